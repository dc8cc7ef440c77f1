package loki

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

const (
	pushPath      = "/loki/api/v1/push"
	flushInterval = time.Second
	flushSize     = 20
	unknownLevel  = "unknown"
)

// Writer buffers zerolog JSON lines and pushes them to Loki, one stream per log level so
// that error lines can be selected with a label matcher instead of a line filter.
type Writer struct {
	client *resty.Client
	labels map[string]string

	mu     sync.Mutex
	buf    []entry
	ticker *time.Ticker
	done   chan struct{}
	once   sync.Once
}

type entry struct {
	ts    string
	level string
	line  string
}

type pushRequest struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

// NewWriter returns a Writer pushing to the Loki base URL (e.g. http://loki:3100) with the
// given static labels on every stream. It returns nil when url is empty.
func NewWriter(url string, labels map[string]string) *Writer {
	if url == "" || len(labels) == 0 {
		return nil
	}
	w := &Writer{
		client: resty.New().
			SetBaseURL(strings.TrimSuffix(url, "/")).
			SetTimeout(5*time.Second).
			SetHeader("Content-Type", "application/json"),
		labels: labels,
		buf:    make([]entry, 0, 64),
		ticker: time.NewTicker(flushInterval),
		done:   make(chan struct{}),
	}
	go w.flushLoop()
	return w
}

// Write implements io.Writer. zerolog writes one event per call, but several
// newline-separated lines are accepted too.
func (w *Writer) Write(p []byte) (n int, err error) {
	n = len(p)
	for _, line := range bytes.Split(p, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		w.mu.Lock()
		w.buf = append(w.buf, entry{
			ts:    strconv.FormatInt(time.Now().UnixNano(), 10),
			level: levelOf(line),
			line:  string(line),
		})
		needFlush := len(w.buf) >= flushSize
		w.mu.Unlock()
		if needFlush {
			w.flush()
		}
	}
	return n, nil
}

func levelOf(line []byte) string {
	fields := map[string]any{}
	if err := json.Unmarshal(line, &fields); err != nil {
		return unknownLevel
	}
	if level, ok := fields[zerolog.LevelFieldName].(string); ok && level != "" {
		return level
	}
	return unknownLevel
}

func (w *Writer) flushLoop() {
	for {
		select {
		case <-w.done:
			return
		case <-w.ticker.C:
			w.flush()
		}
	}
}

func (w *Writer) flush() {
	w.mu.Lock()
	if len(w.buf) == 0 {
		w.mu.Unlock()
		return
	}
	entries := w.buf
	w.buf = make([]entry, 0, 64)
	w.mu.Unlock()

	// Lost lines are not retried: the same lines also went to stdout.
	_, _ = w.client.R().SetBody(w.request(entries)).Post(pushPath)
}

func (w *Writer) request(entries []entry) pushRequest {
	byLevel := make(map[string][][]string)
	for _, e := range entries {
		byLevel[e.level] = append(byLevel[e.level], []string{e.ts, e.line})
	}
	levels := make([]string, 0, len(byLevel))
	for level := range byLevel {
		levels = append(levels, level)
	}
	sort.Strings(levels)

	request := pushRequest{Streams: make([]stream, 0, len(levels))}
	for _, level := range levels {
		labels := make(map[string]string, len(w.labels)+1)
		for k, v := range w.labels {
			labels[k] = v
		}
		labels["level"] = level
		request.Streams = append(request.Streams, stream{Stream: labels, Values: byLevel[level]})
	}
	return request
}

// Close flushes remaining buffer and stops the background flusher.
func (w *Writer) Close() error {
	w.once.Do(func() {
		w.ticker.Stop()
		close(w.done)
		w.flush()
	})
	return nil
}
