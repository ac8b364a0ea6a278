package usage

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Buffer is a non-blocking, batched usage-record writer. Entries are written
// to an internal buffered channel and flushed in batches by a background
// goroutine, so logging a usage record never blocks the request path. If the
// channel is full, the oldest entry is shed and counted. A failed batch is
// retried once before it is dropped.
type Buffer struct {
	ch        chan Record
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedRecords int64
	flushedBatches int64

	sink          Sink
	batchSize     int
	flushInterval time.Duration
	drainTimeout  time.Duration

	metrics Metrics
	log     *slog.Logger
}

// Metrics receives buffer events for export. Satisfied by the process
// metrics registry; nil disables reporting.
type Metrics interface {
	RecordUsageDropped(n int)
	RecordUsageFlush(result string)
}

// Config controls Buffer tuning.
type Config struct {
	QueueCapacity        int
	BatchSize            int
	FlushInterval        time.Duration
	ShutdownDrainTimeout time.Duration
}

// New builds a Buffer and starts its background flush goroutine. ctx bounds
// the lifetime of flush operations; cancelling it does not stop the
// goroutine — call Close for an orderly, drain-on-shutdown stop.
func New(ctx context.Context, sink Sink, cfg Config, log *slog.Logger) *Buffer {
	if log == nil {
		log = slog.Default()
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 10_000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.ShutdownDrainTimeout <= 0 {
		cfg.ShutdownDrainTimeout = 5 * time.Second
	}

	b := &Buffer{
		ch:            make(chan Record, cfg.QueueCapacity),
		done:          make(chan struct{}),
		sink:          sink,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		drainTimeout:  cfg.ShutdownDrainTimeout,
		log:           log,
	}

	b.wg.Add(1)
	go b.run(ctx)

	return b
}

// SetMetrics installs the metrics hook. Must be called before the first
// Enqueue; the field is not synchronized.
func (b *Buffer) SetMetrics(m Metrics) {
	b.metrics = m
}

// Enqueue submits r for batched writing. Never blocks: if the queue is full,
// the oldest queued record is shed to make room for r and DroppedRecords is
// incremented.
func (b *Buffer) Enqueue(r Record) {
	for {
		select {
		case b.ch <- r:
			return
		default:
		}
		select {
		case <-b.ch:
			atomic.AddInt64(&b.droppedRecords, 1)
			if b.metrics != nil {
				b.metrics.RecordUsageDropped(1)
			}
		default:
		}
	}
}

// Depth reports how many records are currently waiting in the queue.
func (b *Buffer) Depth() int {
	return len(b.ch)
}

// DroppedRecords reports how many records have been shed due to a full queue
// or dropped with a batch whose write failed.
func (b *Buffer) DroppedRecords() int64 {
	return atomic.LoadInt64(&b.droppedRecords)
}

// FlushedBatches reports how many batches have been successfully written.
func (b *Buffer) FlushedBatches() int64 {
	return atomic.LoadInt64(&b.flushedBatches)
}

// Close signals the background goroutine to drain the queue and exit. It
// blocks until the goroutine has stopped; drainTimeout bounds the context
// passed to the sink while draining, not the wait itself.
func (b *Buffer) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
	})
	b.wg.Wait()
	return nil
}

func (b *Buffer) run(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, b.batchSize)

	flush := func(fctx context.Context) {
		if len(batch) == 0 {
			return
		}
		b.writeWithRetry(fctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-b.ch:
			batch = append(batch, rec)
			if len(batch) >= b.batchSize {
				flush(ctx)
			}

		case <-ticker.C:
			flush(ctx)

		case <-b.done:
			drainCtx, cancel := context.WithTimeout(context.Background(), b.drainTimeout)
			defer cancel()
			for {
				select {
				case rec := <-b.ch:
					batch = append(batch, rec)
					if len(batch) >= b.batchSize {
						flush(drainCtx)
					}
				default:
					flush(drainCtx)
					return
				}
			}
		}
	}
}

// writeWithRetry writes batch to the sink, retrying once after 1s backoff on
// failure, then logging and dropping the batch.
func (b *Buffer) writeWithRetry(ctx context.Context, batch []Record) {
	if err := b.sink.WriteBatch(ctx, batch); err == nil {
		b.recordFlush("ok")
		return
	}

	select {
	case <-time.After(time.Second):
	case <-ctx.Done():
		b.log.ErrorContext(ctx, "usage batch dropped", slog.Int("records", len(batch)), slog.String("reason", "context cancelled before retry"))
		b.dropBatch(len(batch))
		return
	}

	if err := b.sink.WriteBatch(ctx, batch); err != nil {
		b.log.ErrorContext(ctx, "usage batch dropped after retry", slog.Int("records", len(batch)), slog.String("error", err.Error()))
		b.dropBatch(len(batch))
		return
	}
	b.recordFlush("retried")
}

func (b *Buffer) recordFlush(result string) {
	atomic.AddInt64(&b.flushedBatches, 1)
	if b.metrics != nil {
		b.metrics.RecordUsageFlush(result)
	}
}

func (b *Buffer) dropBatch(n int) {
	atomic.AddInt64(&b.droppedRecords, int64(n))
	if b.metrics != nil {
		b.metrics.RecordUsageDropped(n)
		b.metrics.RecordUsageFlush("dropped")
	}
}
