// Package client calls the inventory service over HTTP on behalf of the order workflow.
package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/giovaniif/e-commerce/inventory/domain"
)

type Item struct {
	ProductId string `json:"productId"`
	Quantity  int32  `json:"quantity"`
}

type ItemAvailability struct {
	ProductId         string `json:"productId"`
	RequestedQuantity int32  `json:"requestedQuantity"`
	AvailableQuantity int32  `json:"availableQuantity"`
	InStock           bool   `json:"inStock"`
	Reserved          int32  `json:"reserved"`
}

type CheckResult struct {
	Success    bool               `json:"success"`
	AllInStock bool               `json:"allInStock"`
	Items      []ItemAvailability `json:"items"`
}

type StockRecord struct {
	ProductId    string    `json:"productId"`
	OnHand       int32     `json:"onHand"`
	Reserved     int32     `json:"reserved"`
	ReorderLevel int32     `json:"reorderLevel"`
	MaxStock     int32     `json:"maxStock"`
	LastUpdated  time.Time `json:"lastUpdated"`
}

type reserveRequest struct {
	Items      []Item `json:"items"`
	OrderId    string `json:"orderId"`
	TTLSeconds int64  `json:"ttlSeconds,omitempty"`
}

type reserveResponse struct {
	Reservations []string `json:"reservations"`
}

type releaseRequest struct {
	OrderId string `json:"orderId"`
}

type releaseResponse struct {
	Released int `json:"released"`
}

type errorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

type Inventory struct {
	http *resty.Client
}

func NewInventory(baseURL string, timeout time.Duration) *Inventory {
	return &Inventory{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
	}
}

func (c *Inventory) CheckStock(ctx context.Context, items []Item) (*CheckResult, error) {
	var result CheckResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string][]Item{"items": items}).
		SetResult(&result).
		SetError(&errorResponse{}).
		Post("/api/check-stock")
	if err := responseError(resp, err, "check stock"); err != nil {
		return nil, err
	}
	return &result, nil
}

// ReserveStock holds every item for orderId or none of them. A zero ttl lets the
// service apply its default. The returned ids identify the created reservations.
func (c *Inventory) ReserveStock(ctx context.Context, orderId string, items []Item, ttl time.Duration, idempotencyKey string) ([]string, error) {
	var result reserveResponse
	request := c.http.R().
		SetContext(ctx).
		SetBody(reserveRequest{Items: items, OrderId: orderId, TTLSeconds: int64(ttl / time.Second)}).
		SetResult(&result).
		SetError(&errorResponse{})
	if idempotencyKey != "" {
		request.SetHeader("Idempotency-Key", idempotencyKey)
	}
	resp, err := request.Post("/api/reserve-stock")
	if err := responseError(resp, err, "reserve stock"); err != nil {
		return nil, err
	}
	return result.Reservations, nil
}

func (c *Inventory) ReleaseStock(ctx context.Context, orderId string) (int, error) {
	var result releaseResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(releaseRequest{OrderId: orderId}).
		SetResult(&result).
		SetError(&errorResponse{}).
		Post("/api/release-stock")
	if err := responseError(resp, err, "release stock"); err != nil {
		return 0, err
	}
	return result.Released, nil
}

func (c *Inventory) GetStock(ctx context.Context, productId string) (*StockRecord, error) {
	var result StockRecord
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		SetError(&errorResponse{}).
		Get("/api/inventory/" + url.PathEscape(productId))
	if err := responseError(resp, err, "get stock"); err != nil {
		return nil, err
	}
	return &result, nil
}

func responseError(resp *resty.Response, err error, operation string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", operation, err)
	}
	if !resp.IsError() {
		return nil
	}

	details := resp.Status()
	if body, ok := resp.Error().(*errorResponse); ok && body.Error != "" {
		details = body.Error
	}
	switch resp.StatusCode() {
	case http.StatusBadRequest:
		return fmt.Errorf("%s: %w: %s", operation, domain.ErrInvalidArgument, details)
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w: %s", operation, domain.ErrNotFound, details)
	case http.StatusConflict:
		return fmt.Errorf("%s: %w: %s", operation, domain.ErrInsufficientStock, details)
	case http.StatusUnprocessableEntity:
		return fmt.Errorf("%s: %w: %s", operation, domain.ErrIdempotencyKeyReused, details)
	case http.StatusServiceUnavailable:
		return fmt.Errorf("%s: %w: %s", operation, domain.ErrReservationFailed, details)
	default:
		return fmt.Errorf("%s: unexpected status %d: %s", operation, resp.StatusCode(), details)
	}
}
