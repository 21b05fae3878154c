package sweeper

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/gopherauth/internal/logger"
)

type Producer struct {
	interval  time.Duration
	batchSize int
	sessions  sessionRepo
	now       func() time.Time
	logger    logger.Logger
}

func (p *Producer) Produce(ctx context.Context, out chan<- uuid.UUID) <-chan struct{} {
	idleStopped := make(chan struct{})
	p.logger.Debug("Starting producer", "interval", p.interval, "batch_size", p.batchSize)

	go func() {
		defer close(idleStopped)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				p.logger.Debug("Producer stopped by context")
				return

			case <-ticker.C:
				p.logger.Debug("Producer tick: removing expired sessions")
				if !p.sweep(ctx, out) {
					return
				}
			}
		}
	}()

	return idleStopped
}

// sweep removes expired sessions batch by batch until a short batch.
// Returns false if ctx is done
func (p *Producer) sweep(ctx context.Context, out chan<- uuid.UUID) bool {
	before := p.now()

	for {
		ids, err := p.sessions.RemoveExpired(ctx, before, p.batchSize)
		if err != nil {
			p.logger.Error("Failed to remove expired sessions", "error", err)
			return ctx.Err() == nil
		}

		for _, id := range ids {
			select {
			case <-ctx.Done():
				p.logger.Debug("Producer stopped by context while sending removed sessions")
				return false
			case out <- id:
			}
		}

		if len(ids) < p.batchSize {
			return true
		}
	}
}
