package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/eliseuvideira/pkgscraper/internal/broker"
	"github.com/eliseuvideira/pkgscraper/pkg/models"
	"golang.org/x/sync/errgroup"
)

var ErrDeliveriesClosed = errors.New("delivery stream closed")

// DeliveryHandler settles one delivery.
type DeliveryHandler interface {
	Handle(ctx context.Context, d broker.Delivery) error
}

// Pool runs a fixed number of goroutines pulling from one consumer stream.
type Pool struct {
	consumer    broker.Consumer
	handler     DeliveryHandler
	registries  []models.Registry
	concurrency int
	logger      *slog.Logger
}

func NewPool(consumer broker.Consumer, handler DeliveryHandler, registries []models.Registry, concurrency int, logger *slog.Logger) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{
		consumer:    consumer,
		handler:     handler,
		registries:  registries,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Run blocks until ctx is cancelled or the delivery stream ends. A stream
// that ends while ctx is still live is reported as ErrDeliveriesClosed so the
// process exits and gets restarted.
func (p *Pool) Run(ctx context.Context) error {
	deliveries, err := p.consumer.Consume(ctx, p.registries)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}

	p.logger.Info("worker pool started", "concurrency", p.concurrency, "registries", p.registries)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.concurrency; i++ {
		id := i
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case d, ok := <-deliveries:
					if !ok {
						if ctx.Err() != nil {
							return nil
						}
						return ErrDeliveriesClosed
					}
					if err := p.handler.Handle(gctx, d); err != nil {
						p.logger.Error("settle delivery failed", "worker", id, "error", err)
					}
				}
			}
		})
	}

	err = g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}
