package sweeper

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/gopherauth/internal/logger"
)

const (
	defaultCountWorkers  = 2                // Number of workers to handle removed sessions
	defaultSweepInterval = 10 * time.Minute // Interval between sweeps
	defaultBatchSize     = 500              // Sessions removed by one store call
)

type sessionRepo interface {
	RemoveExpired(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error)
}

type recorder interface {
	SessionsSwept(n int)
}

type Config struct {
	Interval  time.Duration
	BatchSize int
	Workers   int
}

// Sweeper removes expired sessions in background.
// Redis store expires keys by itself, so there producer just finds nothing
type Sweeper struct {
	consumer *Consumer
	producer *Producer
	logger   logger.Logger
}

func New(cfg Config, sessions sessionRepo, recorder recorder, logger logger.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultSweepInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultCountWorkers
	}

	return &Sweeper{
		consumer: &Consumer{
			countWorkers: cfg.Workers,
			recorder:     recorder,
			logger:       logger,
		},
		producer: &Producer{
			interval:  cfg.Interval,
			batchSize: cfg.BatchSize,
			sessions:  sessions,
			now:       time.Now,
			logger:    logger,
		},
		logger: logger,
	}
}

// Sweep runs until ctx is done. Returned channel is closed when all goroutines stopped
func (s *Sweeper) Sweep(ctx context.Context) <-chan struct{} {
	idleStopped := make(chan struct{})

	removed := make(chan uuid.UUID)

	producerStopped := s.producer.Produce(ctx, removed)
	consumerStopped := s.consumer.Consume(ctx, removed)

	go func() {
		defer close(idleStopped)
		<-producerStopped
		close(removed)
		<-consumerStopped
		s.logger.Debug("Sweeper stopped")
	}()

	return idleStopped
}
