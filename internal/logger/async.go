package logger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Closer flushes buffered records and stops the handler's workers.
type Closer interface {
	Close()
}

type nopCloser struct{}

func (nopCloser) Close() {}

// AsyncHandler decouples log emission from the hot path. Records go into
// a bounded channel consumed by worker goroutines; when the buffer is
// full the record is dropped and counted rather than blocking a dispatch.
type AsyncHandler struct {
	inner   slog.Handler
	records chan slog.Record
	workers *sync.WaitGroup
	dropped *atomic.Int64
}

// NewAsyncHandler starts workerCount consumers over a buffer of bufSize.
func NewAsyncHandler(inner slog.Handler, bufSize, workerCount int) *AsyncHandler {
	h := &AsyncHandler{
		inner:   inner,
		records: make(chan slog.Record, bufSize),
		workers: &sync.WaitGroup{},
		dropped: &atomic.Int64{},
	}
	for range workerCount {
		h.workers.Add(1)
		go h.consume()
	}
	return h
}

func (h *AsyncHandler) consume() {
	defer h.workers.Done()
	for rec := range h.records {
		_ = h.inner.Handle(context.Background(), rec)
	}
}

func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle never blocks: a full buffer drops the record.
func (h *AsyncHandler) Handle(_ context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	select {
	case h.records <- rec:
	default:
		h.dropped.Add(1)
	}
	return nil
}

// WithAttrs wraps the inner handler; the buffer and workers are shared so
// derived loggers drain through the same channel.
func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{
		inner:   h.inner.WithAttrs(attrs),
		records: h.records,
		workers: h.workers,
		dropped: h.dropped,
	}
}

// WithGroup wraps the inner handler, sharing the buffer like WithAttrs.
func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{
		inner:   h.inner.WithGroup(name),
		records: h.records,
		workers: h.workers,
		dropped: h.dropped,
	}
}

// DroppedCount reports how many records the full buffer discarded.
func (h *AsyncHandler) DroppedCount() int64 {
	return h.dropped.Load()
}

// Close stops intake and waits for the workers to finish the backlog.
func (h *AsyncHandler) Close() {
	close(h.records)
	h.workers.Wait()
}
