package sweeper

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/nkiryanov/gopherauth/internal/logger"
)

type Consumer struct {
	countWorkers int
	recorder     recorder
	logger       logger.Logger
}

func (c *Consumer) Consume(ctx context.Context, in <-chan uuid.UUID) <-chan struct{} {
	idleStopped := make(chan struct{})

	var wg sync.WaitGroup
	for range c.countWorkers {
		wg.Add(1)
		go func() {
			c.worker(ctx, in)
			wg.Done()
		}()
	}

	go func() {
		defer close(idleStopped)
		wg.Wait()
		c.logger.Debug("Consumer stopped")
	}()

	return idleStopped
}

func (c *Consumer) worker(ctx context.Context, in <-chan uuid.UUID) {
	for {
		select {
		case <-ctx.Done():
			return

		case userID, ok := <-in:
			if !ok {
				c.logger.Debug("Consumer worker stopped, input channel closed")
				return
			}

			c.logger.Info("Expired session removed", "user_id", userID)
			c.recorder.SessionsSwept(1)
		}
	}
}
