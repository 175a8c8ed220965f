package telemetry

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// InstrumentedTransport records one object store request per round trip,
// labelled with the store name and the S3 operation it performs.
type InstrumentedTransport struct {
	base  http.RoundTripper
	store string
}

// NewInstrumentedTransport creates a new instrumented transport labelled with store.
// If base is nil, http.DefaultTransport is used.
func NewInstrumentedTransport(base http.RoundTripper, store string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, store: store}
}

// RoundTrip implements http.RoundTripper. Successful responses are recorded
// when their body is closed so the duration covers the transfer.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rec := &storeRequest{
		ctx:   req.Context(),
		store: t.store,
		op:    S3Operation(req),
		start: time.Now(),
	}
	if req.ContentLength > 0 {
		rec.sent = req.ContentLength
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		rec.outcome = "error"
		if req.Context().Err() != nil {
			rec.outcome = "canceled"
		}
		rec.finish()
		return nil, err
	}

	switch {
	case resp.StatusCode >= 500:
		rec.outcome = "5xx"
	case resp.StatusCode >= 400:
		rec.outcome = "4xx"
	default:
		rec.outcome = "success"
	}

	resp.Body = &instrumentedBody{ReadCloser: resp.Body, rec: rec}
	return resp, nil
}

// S3Operation classifies a request against the S3 REST API.
func S3Operation(req *http.Request) string {
	q := req.URL.Query()
	switch req.Method {
	case http.MethodHead:
		return "stat"
	case http.MethodPut:
		return "put"
	case http.MethodDelete:
		return "delete"
	case http.MethodGet:
		switch {
		case q.Has("location"):
			return "location"
		case q.Has("list-type"), q.Has("prefix"), q.Has("delimiter"):
			return "list"
		}
		return "get"
	}
	return strings.ToLower(req.Method)
}

type storeRequest struct {
	ctx      context.Context
	store    string
	op       string
	outcome  string
	start    time.Time
	sent     int64
	received int64
	once     sync.Once
}

func (r *storeRequest) finish() {
	r.once.Do(func() {
		RecordObjectStoreRequest(r.ctx, r.store, r.op, r.outcome, time.Since(r.start), r.sent, r.received)
	})
}

// instrumentedBody counts response bytes and completes the record on Close.
type instrumentedBody struct {
	io.ReadCloser
	rec *storeRequest
}

func (b *instrumentedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.rec.received += int64(n)
	return n, err
}

func (b *instrumentedBody) Close() error {
	b.rec.finish()
	return b.ReadCloser.Close()
}
