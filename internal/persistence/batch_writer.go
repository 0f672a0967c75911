package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
)

// WriteOp is one buffered statement.
type WriteOp struct {
	Table string
	Query string
	Args  []any
}

// BatchWriter buffers audit statements and writes them in one transaction, either when
// the buffer fills or on the flush interval.
type BatchWriter struct {
	db       *sql.DB
	maxSize  int
	interval time.Duration

	mu     sync.Mutex
	buffer []WriteOp
	stats  Stats
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

// Stats are the writer's counters.
type Stats struct {
	TotalWrites   uint64    `json:"total_writes"`
	TotalBatches  uint64    `json:"total_batches"`
	TotalErrors   uint64    `json:"total_errors"`
	LastBatchSize int       `json:"last_batch_size"`
	LastFlushTime time.Time `json:"last_flush_time"`
}

// NewBatchWriter starts a writer.
// maxSize: buffered operations that trigger an immediate flush
// interval: background flush period
func NewBatchWriter(db *sql.DB, maxSize int, interval time.Duration) *BatchWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	bw := &BatchWriter{
		db:       db,
		maxSize:  maxSize,
		interval: interval,
		buffer:   make([]WriteOp, 0, maxSize),
		done:     make(chan struct{}),
	}
	bw.wg.Add(1)
	go bw.backgroundFlush()
	return bw
}

// Write buffers op. Writes after Close are dropped and logged.
func (bw *BatchWriter) Write(op WriteOp) {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		logx.Errorf("persistence: write after close table=%s", op.Table)
		return
	}
	bw.buffer = append(bw.buffer, op)
	full := len(bw.buffer) >= bw.maxSize
	bw.mu.Unlock()

	if full {
		if err := bw.Flush(context.Background()); err != nil {
			logx.Errorf("persistence: flush on full buffer err=%v", err)
		}
	}
}

// Flush writes everything buffered so far.
func (bw *BatchWriter) Flush(ctx context.Context) error {
	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return nil
	}
	ops := bw.buffer
	bw.buffer = make([]WriteOp, 0, bw.maxSize)
	bw.mu.Unlock()

	err := bw.exec(ctx, ops)

	bw.mu.Lock()
	bw.stats.TotalBatches++
	bw.stats.LastBatchSize = len(ops)
	bw.stats.LastFlushTime = time.Now()
	if err != nil {
		bw.stats.TotalErrors++
	} else {
		bw.stats.TotalWrites += uint64(len(ops))
	}
	bw.mu.Unlock()
	return err
}

func (bw *BatchWriter) exec(ctx context.Context, ops []WriteOp) error {
	tx, err := bw.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit batch: %w", err)
	}
	for _, op := range ops {
		if _, err := tx.ExecContext(ctx, op.Query, op.Args...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("audit write %s: %w", op.Table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit audit batch: %w", err)
	}
	logx.Debugf("persistence: flushed %d operations", len(ops))
	return nil
}

func (bw *BatchWriter) backgroundFlush() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := bw.Flush(context.Background()); err != nil {
				logx.Errorf("persistence: background flush err=%v", err)
			}
		case <-bw.done:
			return
		}
	}
}

// Pending returns the number of buffered operations.
func (bw *BatchWriter) Pending() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// Stats returns a copy of the counters.
func (bw *BatchWriter) Stats() Stats {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.stats
}

// Close stops the background flush and writes what is left.
func (bw *BatchWriter) Close() error {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return nil
	}
	bw.closed = true
	bw.mu.Unlock()

	close(bw.done)
	bw.wg.Wait()
	return bw.Flush(context.Background())
}
