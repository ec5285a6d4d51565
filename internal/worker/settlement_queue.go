// Package worker runs background settlement: a bounded in-process queue fed
// by the webhook path and a scheduled sweep over every pending user.
package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/coffee-change/internal/logging"
	"github.com/coffee-change/internal/metrics"
	"github.com/coffee-change/internal/service"
)

// Settler settles one ledger entry
type Settler interface {
	Settle(ctx context.Context, entryID string) (*service.SettlementResult, error)
}

// SettlementQueue is a bounded queue of ledger entry ids served by a fixed
// pool of goroutines. Enqueue never blocks; when the queue is full the id is
// dropped and left for the scheduled sweep.
type SettlementQueue struct {
	settler Settler
	workers int
	jobs    chan string

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSettlementQueue creates a queue holding up to size ids
func NewSettlementQueue(settler Settler, workers, size int) *SettlementQueue {
	if workers <= 0 {
		workers = 1
	}
	if size <= 0 {
		size = 1
	}
	return &SettlementQueue{
		settler: settler,
		workers: workers,
		jobs:    make(chan string, size),
	}
}

// Start launches the worker goroutines
func (q *SettlementQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return fmt.Errorf("settlement queue is already running")
	}

	ctx, q.cancel = context.WithCancel(ctx)
	q.running = true
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.work(ctx, i)
	}

	logging.WithFields(map[string]interface{}{
		"workers":  q.workers,
		"capacity": cap(q.jobs),
	}).Info("settlement queue started")
	return nil
}

// Stop cancels the workers and waits for in-flight settlements. Ids still
// queued are abandoned; their entries stay pending in the ledger.
func (q *SettlementQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return fmt.Errorf("settlement queue is not running")
	}
	q.running = false
	q.cancel()
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logging.Info("settlement queue stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("settlement queue stop: %w", ctx.Err())
	}
}

// Enqueue implements service.SettlementQueue
func (q *SettlementQueue) Enqueue(entryID string) bool {
	select {
	case q.jobs <- entryID:
		metrics.SettlementQueueDepth.Set(float64(len(q.jobs)))
		return true
	default:
		metrics.SettlementQueueDropped.Inc()
		logging.WithField("ledgerEntryId", entryID).Warn("settlement queue full, dropping entry")
		return false
	}
}

// Len reports the number of queued ids
func (q *SettlementQueue) Len() int {
	return len(q.jobs)
}

func (q *SettlementQueue) work(ctx context.Context, n int) {
	defer q.wg.Done()
	logger := logging.WithField("worker", n)

	for {
		select {
		case <-ctx.Done():
			return
		case id := <-q.jobs:
			metrics.SettlementQueueDepth.Set(float64(len(q.jobs)))

			res, err := q.settler.Settle(logging.WithLogger(ctx, logger), id)
			if err != nil {
				logger.WithError(err).WithField("ledgerEntryId", id).Error("auto-settlement failed")
				continue
			}
			logger.WithFields(map[string]interface{}{
				"ledgerEntryId": id,
				"status":        string(res.Status),
			}).Debug("auto-settlement finished")
		}
	}
}

var _ service.SettlementQueue = (*SettlementQueue)(nil)
