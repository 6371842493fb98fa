package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/skylens/trustcore/storage"
)

// Sink receives committed audit records for external aggregation.
// Implementations typically ship to a log pipeline; errors are logged and
// dropped because forwarding is advisory, the store is the system of
// record.
type Sink interface {
	Ship(ctx context.Context, record *storage.AuditRecord) error
}

// Forwarder ships committed records to an external sink off the critical
// path. Forward never blocks: when the buffer is full the record is dropped
// and counted, which is acceptable because the chain in the store remains
// complete and verifiable.
type Forwarder struct {
	sink   Sink
	ch     chan *storage.AuditRecord
	logger *slog.Logger

	dropped atomic.Int64
	onDrop  atomic.Pointer[func()]

	stopOnce sync.Once
	done     chan struct{}
}

// NewForwarder creates a forwarder draining into sink with the given buffer
// size. Non-positive buffer falls back to 256.
func NewForwarder(sink Sink, buffer int, logger *slog.Logger) *Forwarder {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}

	f := &Forwarder{
		sink:   sink,
		ch:     make(chan *storage.AuditRecord, buffer),
		logger: logger,
		done:   make(chan struct{}),
	}
	go f.drain()
	return f
}

// Forward enqueues a record for shipping. Never blocks.
func (f *Forwarder) Forward(record *storage.AuditRecord) {
	select {
	case f.ch <- record:
	default:
		n := f.dropped.Add(1)
		if hook := f.onDrop.Load(); hook != nil {
			(*hook)()
		}
		f.logger.Warn("audit forward buffer full, record dropped",
			"seq", record.Seq,
			"total_dropped", n)
	}
}

// OnDrop registers a callback invoked once per dropped record. The callback
// runs on the caller's goroutine and must not block.
func (f *Forwarder) OnDrop(hook func()) {
	f.onDrop.Store(&hook)
}

// Dropped returns how many records were dropped due to a full buffer.
func (f *Forwarder) Dropped() int64 {
	return f.dropped.Load()
}

// Stop closes the forwarder and waits for in-flight records to drain.
func (f *Forwarder) Stop() {
	f.stopOnce.Do(func() {
		close(f.ch)
		<-f.done
	})
}

func (f *Forwarder) drain() {
	defer close(f.done)
	for record := range f.ch {
		if err := f.sink.Ship(context.Background(), record); err != nil {
			f.logger.Warn("audit forward failed",
				"seq", record.Seq,
				"error", err)
		}
	}
}
