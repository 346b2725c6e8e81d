package storage

import (
	"context"
	"runtime"

	"github.com/bytedance/sonic"
	"golang.org/x/sync/errgroup"

	"pov-board/domain"
)

const (
	defaultQueueConcurrency = 8
	queuePerCPU             = 10
	maxQueueConcurrency     = 128
)

// DefaultQueueConcurrency scales the number of concurrent queue sends with the
// CPUs available to the process.
func DefaultQueueConcurrency() int {
	return queueConcurrencyForCPU(runtime.GOMAXPROCS(0))
}

func queueConcurrencyForCPU(cpu int) int {
	if cpu < 1 {
		return defaultQueueConcurrency
	}
	return min(cpu*queuePerCPU, maxQueueConcurrency)
}

// RecordEvents enqueues board events for downstream consumers. Messages are
// sent concurrently; the first failure cancels the remaining sends.
func (s *Storage) RecordEvents(ctx context.Context, userID string, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	payloads := make([]string, len(events))
	for i, ev := range events {
		data, err := sonic.Marshal(domain.EventEnvelope{UserID: userID, Event: ev})
		if err != nil {
			return err
		}
		payloads[i] = string(data)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.queueConcurrency, 1))
	for _, p := range payloads {
		p := p
		g.Go(func() error {
			_, err := s.eventQueue.EnqueueMessage(gctx, p, nil)
			return err
		})
	}
	return g.Wait()
}
