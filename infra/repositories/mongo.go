package repositories

import (
	"context"
	"errors"
	"time"

	pkgerrors "github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/giovaniif/e-commerce/inventory/domain"
	"github.com/giovaniif/e-commerce/inventory/domain/reservation"
	"github.com/giovaniif/e-commerce/inventory/domain/stock"
	"github.com/giovaniif/e-commerce/inventory/protocols"
)

const (
	inventoryCollection   = "inventories"
	reservationCollection = "stock_reservations"

	transientTransactionLabel = "TransientTransactionError"
	unknownCommitResultLabel  = "UnknownTransactionCommitResult"
	maxCommitAttempts         = 3
)

type inventoryDocument struct {
	ProductId    string    `bson:"productId"`
	Quantity     int32     `bson:"quantity"`
	Reserved     int32     `bson:"reserved"`
	ReorderLevel int32     `bson:"reorderLevel"`
	MaxStock     int32     `bson:"maxStock"`
	LastUpdated  time.Time `bson:"lastUpdated"`
}

func (d inventoryDocument) toRecord() *stock.Record {
	return &stock.Record{
		ProductId:    d.ProductId,
		OnHand:       d.Quantity,
		Reserved:     d.Reserved,
		ReorderLevel: d.ReorderLevel,
		MaxStock:     d.MaxStock,
		LastUpdated:  d.LastUpdated,
	}
}

type reservationDocument struct {
	Id        string    `bson:"_id"`
	ProductId string    `bson:"productId"`
	OrderId   string    `bson:"orderId"`
	Quantity  int32     `bson:"quantity"`
	ExpiresAt time.Time `bson:"expiresAt"`
	CreatedAt time.Time `bson:"createdAt"`
}

func (d reservationDocument) toReservation() reservation.Reservation {
	return reservation.Reservation{
		Id:        d.Id,
		ProductId: d.ProductId,
		OrderId:   d.OrderId,
		Quantity:  d.Quantity,
		ExpiresAt: d.ExpiresAt,
		CreatedAt: d.CreatedAt,
	}
}

// MongoRepository stores the ledger in "inventories" and the holds in
// "stock_reservations". Calls made with a context from WithinTransaction join the
// session's transaction.
type MongoRepository struct {
	client       *mongo.Client
	inventories  *mongo.Collection
	reservations *mongo.Collection
	clock        protocols.Clock
}

func NewMongoRepository(client *mongo.Client, database string, clock protocols.Clock) *MongoRepository {
	db := client.Database(database)
	return &MongoRepository{
		client:       client,
		inventories:  db.Collection(inventoryCollection),
		reservations: db.Collection(reservationCollection),
		clock:        clock,
	}
}

// EnsureIndexes creates the unique product index and the indexes used by release
// (orderId) and by the sweeper (expiresAt).
func (r *MongoRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.inventories.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "productId", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return pkgerrors.Wrap(err, "create inventories index")
	}
	_, err = r.reservations.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "orderId", Value: 1}}},
		{Keys: bson.D{{Key: "expiresAt", Value: 1}}},
	})
	if err != nil {
		return pkgerrors.Wrap(err, "create stock_reservations indexes")
	}
	return nil
}

func (r *MongoRepository) WithinTransaction(ctx context.Context, fn func(ctx context.Context, tx protocols.Tx) error) error {
	session, err := r.client.StartSession()
	if err != nil {
		return pkgerrors.Wrap(err, "start mongo session")
	}
	defer session.EndSession(ctx)

	if err := session.StartTransaction(); err != nil {
		return pkgerrors.Wrap(err, "start mongo transaction")
	}
	txCtx := mongo.NewSessionContext(ctx, session)

	if err := fn(txCtx, r); err != nil {
		_ = session.AbortTransaction(ctx)
		return mongoError(err)
	}

	for attempt := 1; ; attempt++ {
		err = session.CommitTransaction(txCtx)
		if err == nil {
			return nil
		}
		if hasLabel(err, unknownCommitResultLabel) && attempt < maxCommitAttempts {
			continue
		}
		_ = session.AbortTransaction(ctx)
		return mongoError(pkgerrors.Wrap(err, "commit mongo transaction"))
	}
}

func (r *MongoRepository) Ledger() stock.Ledger            { return r }
func (r *MongoRepository) Reservations() reservation.Store { return r }

func (r *MongoRepository) GetStock(ctx context.Context, productId string) (*stock.Record, error) {
	var doc inventoryDocument
	err := r.inventories.FindOne(ctx, bson.M{"productId": productId}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.NewNotFoundError("stock record for product " + productId)
	}
	if err != nil {
		return nil, mongoError(pkgerrors.Wrapf(err, "find stock of product %s", productId))
	}
	return doc.toRecord(), nil
}

// AdjustStock is a conditional $inc: the filter carries the precondition that neither
// counter goes negative, so two writers can never both pass it on the same stock.
func (r *MongoRepository) AdjustStock(ctx context.Context, productId string, onHandDelta int32, reservedDelta int32) (*stock.Record, error) {
	filter := bson.M{
		"productId": productId,
		"quantity":  bson.M{"$gte": -onHandDelta},
		"reserved":  bson.M{"$gte": -reservedDelta},
	}
	update := bson.M{
		"$inc": bson.M{"quantity": onHandDelta, "reserved": reservedDelta},
		"$set": bson.M{"lastUpdated": r.clock.Now()},
	}

	var doc inventoryDocument
	err := r.inventories.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, r.explainRejectedAdjust(ctx, productId, onHandDelta, reservedDelta)
	}
	if err != nil {
		return nil, mongoError(pkgerrors.Wrapf(err, "adjust stock of product %s", productId))
	}
	return doc.toRecord(), nil
}

func (r *MongoRepository) explainRejectedAdjust(ctx context.Context, productId string, onHandDelta int32, reservedDelta int32) error {
	current, err := r.GetStock(ctx, productId)
	if err != nil {
		return err
	}
	return rejectedAdjust(current, onHandDelta, reservedDelta, r.clock.Now())
}

func (r *MongoRepository) SeedStock(ctx context.Context, records []stock.Record) error {
	for _, record := range records {
		lastUpdated := record.LastUpdated
		if lastUpdated.IsZero() {
			lastUpdated = r.clock.Now()
		}
		doc := inventoryDocument{
			ProductId:    record.ProductId,
			Quantity:     record.OnHand,
			Reserved:     record.Reserved,
			ReorderLevel: record.ReorderLevel,
			MaxStock:     record.MaxStock,
			LastUpdated:  lastUpdated,
		}
		_, err := r.inventories.UpdateOne(ctx,
			bson.M{"productId": record.ProductId},
			bson.M{"$setOnInsert": doc},
			options.UpdateOne().SetUpsert(true))
		if err != nil {
			return pkgerrors.Wrapf(err, "seed stock of product %s", record.ProductId)
		}
	}
	return nil
}

func (r *MongoRepository) CreateReservation(ctx context.Context, productId string, orderId string, quantity int32, ttl time.Duration) (*reservation.Reservation, error) {
	res, err := reservation.New(productId, orderId, quantity, ttl, r.clock.Now())
	if err != nil {
		return nil, err
	}
	doc := reservationDocument{
		Id:        res.Id,
		ProductId: res.ProductId,
		OrderId:   res.OrderId,
		Quantity:  res.Quantity,
		ExpiresAt: res.ExpiresAt,
		CreatedAt: res.CreatedAt,
	}
	if _, err := r.reservations.InsertOne(ctx, doc); err != nil {
		return nil, mongoError(pkgerrors.Wrapf(err, "insert reservation of product %s", productId))
	}
	return res, nil
}

func (r *MongoRepository) FindByOrder(ctx context.Context, orderId string) ([]reservation.Reservation, error) {
	cursor, err := r.reservations.Find(ctx, bson.M{"orderId": orderId},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, mongoError(pkgerrors.Wrapf(err, "find reservations of order %s", orderId))
	}
	return decodeReservations(ctx, cursor)
}

func (r *MongoRepository) DeleteReservation(ctx context.Context, reservationId string) error {
	result, err := r.reservations.DeleteOne(ctx, bson.M{"_id": reservationId})
	if err != nil {
		return mongoError(pkgerrors.Wrapf(err, "delete reservation %s", reservationId))
	}
	if result.DeletedCount == 0 {
		return domain.NewNotFoundError("reservation " + reservationId)
	}
	return nil
}

func (r *MongoRepository) FindExpired(ctx context.Context, now time.Time, limit int) ([]reservation.Reservation, error) {
	opts := options.Find().SetSort(bson.D{{Key: "expiresAt", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := r.reservations.Find(ctx, bson.M{"expiresAt": bson.M{"$lt": now}}, opts)
	if err != nil {
		return nil, mongoError(pkgerrors.Wrap(err, "find expired reservations"))
	}
	return decodeReservations(ctx, cursor)
}

func (r *MongoRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx, nil)
}

func decodeReservations(ctx context.Context, cursor *mongo.Cursor) ([]reservation.Reservation, error) {
	var docs []reservationDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, pkgerrors.Wrap(err, "decode reservations")
	}
	found := make([]reservation.Reservation, 0, len(docs))
	for _, doc := range docs {
		found = append(found, doc.toReservation())
	}
	return found, nil
}

// mongoError turns errors the server labels as transient into ErrTransactionConflict so
// the use cases retry them. Domain errors pass through untouched.
func mongoError(err error) error {
	if err == nil || domain.IsRetriable(err) {
		return err
	}
	if hasLabel(err, transientTransactionLabel) {
		return domain.NewTransactionConflictError(err)
	}
	return err
}

func hasLabel(err error, label string) bool {
	var serverErr mongo.ServerError
	if errors.As(err, &serverErr) {
		return serverErr.HasErrorLabel(label)
	}
	return false
}
