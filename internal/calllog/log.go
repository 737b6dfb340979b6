// Package calllog keeps the diagnostic record of every remote call.
package calllog

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/policy-assistant/internal/domain"
)

const (
	defaultQueueSize = 1000
	sinkWriteTimeout = 5 * time.Second
)

// Sink receives a copy of every record for durable inspection.
type Sink interface {
	WriteCall(ctx context.Context, rec domain.APICallRecord) error
	Close() error
}

// Options configures a Log.
type Options struct {
	Sinks     []Sink
	QueueSize int
	Logger    *slog.Logger
}

// Log is an append-only, insertion-ordered sequence of call records.
// It is safe for concurrent use. Record never fails; sinks are fed from a
// bounded queue and a full queue only drops the sink copy.
type Log struct {
	mu       sync.RWMutex
	records  []domain.APICallRecord
	seq      uint64
	closed   bool
	watchers []func(domain.APICallRecord)

	queue  chan domain.APICallRecord
	sinks  []Sink
	wg     sync.WaitGroup
	logger *slog.Logger
}

// New creates a Log. With no sinks it is purely in-memory.
func New(opts Options) *Log {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	l := &Log{logger: logger, sinks: opts.Sinks}
	if len(opts.Sinks) > 0 {
		size := opts.QueueSize
		if size <= 0 {
			size = defaultQueueSize
		}
		l.queue = make(chan domain.APICallRecord, size)
		l.wg.Add(1)
		go l.drain()
	}
	return l
}

// Record appends rec, assigning its sequence number.
func (l *Log) Record(rec domain.APICallRecord) {
	rec = rec.Clone()
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	l.seq++
	rec.Seq = l.seq
	l.records = append(l.records, rec)
	if l.queue != nil && !l.closed {
		select {
		case l.queue <- rec.Clone():
		default:
			l.logger.Warn("call log sink queue full, dropping sink copy", "seq", rec.Seq, "endpoint", rec.Endpoint)
		}
	}
	watchers := l.watchers
	l.mu.Unlock()

	for _, fn := range watchers {
		fn(rec.Clone())
	}
}

// Snapshot returns an ordered copy of all records.
func (l *Log) Snapshot() []domain.APICallRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.APICallRecord, len(l.records))
	for i, rec := range l.records {
		out[i] = rec.Clone()
	}
	return out
}

// Len returns the number of records.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Watch registers fn to be called after every append.
func (l *Log) Watch(fn func(domain.APICallRecord)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	watchers := make([]func(domain.APICallRecord), 0, len(l.watchers)+1)
	watchers = append(watchers, l.watchers...)
	l.watchers = append(watchers, fn)
}

// Close flushes queued records to the sinks and closes them.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	if l.queue != nil {
		close(l.queue)
	}
	l.mu.Unlock()

	l.wg.Wait()

	var errs []error
	for _, sink := range l.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (l *Log) drain() {
	defer l.wg.Done()
	for rec := range l.queue {
		for _, sink := range l.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), sinkWriteTimeout)
			if err := sink.WriteCall(ctx, rec); err != nil {
				l.logger.Warn("failed to write call record to sink", "seq", rec.Seq, "error", err)
			}
			cancel()
		}
	}
}
