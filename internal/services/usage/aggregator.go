// Package usage turns completion events into spend counters.
package usage

import (
	"context"

	"go.uber.org/zap"

	"github.com/langdb/aigateway/internal/events"
	"github.com/langdb/aigateway/internal/pricing"
	"github.com/langdb/aigateway/internal/services/counter"
	"github.com/langdb/aigateway/internal/services/limits"
)

// Aggregator subscribes to the event bus and accrues cost into the
// day, month and total counters. Accounting errors are logged and
// swallowed; they never affect the request path.
type Aggregator struct {
	bus     *events.Bus
	catalog *pricing.Catalog
	store   counter.Store
	logger  *zap.Logger
}

// NewAggregator creates a usage aggregator.
func NewAggregator(bus *events.Bus, catalog *pricing.Catalog, store counter.Store, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		bus:     bus,
		catalog: catalog,
		store:   store,
		logger:  logger.Named("usage"),
	}
}

// Run consumes events until the context is cancelled or the bus closes.
func (a *Aggregator) Run(ctx context.Context) {
	ch, cancel := a.bus.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			a.handle(ctx, event)
		}
	}
}

func (a *Aggregator) handle(ctx context.Context, event events.ModelEvent) {
	switch event.Kind {
	case events.KindLlmStop:
		a.accrueCompletion(ctx, event)
	case events.KindImageGenerationFinish:
		a.accrueImage(ctx, event)
	}
}

func (a *Aggregator) accrueCompletion(ctx context.Context, event events.ModelEvent) {
	model, ok := a.catalog.Resolve(event.Model)
	if !ok {
		a.logger.Debug("No catalog entry for model, skipping cost",
			zap.String("model", event.Model))
		return
	}

	cost, err := pricing.Cost(model, event.Usage, nil)
	if err != nil {
		a.logger.Warn("Failed to compute completion cost",
			zap.String("model", event.Model),
			zap.Error(err))
		return
	}

	a.accrue(ctx, event.Tenant, cost)
}

func (a *Aggregator) accrueImage(ctx context.Context, event events.ModelEvent) {
	if event.Image == nil {
		return
	}
	model, ok := a.catalog.Resolve(event.Model)
	if !ok {
		a.logger.Debug("No catalog entry for model, skipping cost",
			zap.String("model", event.Model))
		return
	}

	cost, err := pricing.Cost(model, nil, &pricing.ImageParams{
		Size:    event.Image.Size,
		Quality: event.Image.Quality,
		Count:   event.Image.ImagesCount,
	})
	if err != nil {
		a.logger.Warn("Failed to compute image cost",
			zap.String("model", event.Model),
			zap.Error(err))
		return
	}

	a.accrue(ctx, event.Tenant, cost)
}

func (a *Aggregator) accrue(ctx context.Context, tenant string, cost float64) {
	if cost <= 0 {
		return
	}
	if tenant == "" {
		tenant = "default"
	}

	for _, period := range []counter.Period{counter.Day, counter.Month, counter.Total} {
		value, err := a.store.Increment(ctx, period, tenant, limits.UsageMetric, cost)
		if err != nil {
			a.logger.Warn("Failed to record usage",
				zap.String("tenant", tenant),
				zap.String("period", period.String()),
				zap.Error(err))
			continue
		}
		a.logger.Debug("Recorded usage",
			zap.String("tenant", tenant),
			zap.String("period", period.String()),
			zap.Float64("cost", cost),
			zap.Float64("accumulated", value))
	}
}
