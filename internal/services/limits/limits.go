// Package limits admits or denies requests against per-tenant spend caps.
package limits

import (
	"context"

	"go.uber.org/zap"

	"github.com/langdb/aigateway/internal/services/counter"
)

// Caps are the configured spend ceilings in dollars. A zero cap means
// unlimited.
type Caps struct {
	Daily   float64 `yaml:"daily,omitempty" json:"daily,omitempty" mapstructure:"daily"`
	Monthly float64 `yaml:"monthly,omitempty" json:"monthly,omitempty" mapstructure:"monthly"`
	Total   float64 `yaml:"total,omitempty" json:"total,omitempty" mapstructure:"total"`
}

// UsageMetric is the counter metric holding accumulated llm spend.
const UsageMetric = "llm_usage"

// PeriodUsage is one period's spend against its cap. Cap zero means
// unlimited.
type PeriodUsage struct {
	Period counter.Period `json:"period"`
	Used   float64        `json:"used"`
	Cap    float64        `json:"cap"`
}

// Exceeded reports whether the cap is set and reached.
func (u PeriodUsage) Exceeded() bool {
	return u.Cap > 0 && u.Used >= u.Cap
}

// Checker reads usage counters and compares them against caps.
type Checker struct {
	store  counter.Store
	caps   Caps
	logger *zap.Logger
}

// NewChecker creates a limit checker.
func NewChecker(store counter.Store, caps Caps, logger *zap.Logger) *Checker {
	return &Checker{
		store:  store,
		caps:   caps,
		logger: logger.Named("limits"),
	}
}

// CanExecute reports whether the tenant is under every configured cap.
// Store errors admit the request; accounting must not take the gateway
// down.
func (c *Checker) CanExecute(ctx context.Context, tenant string) (bool, error) {
	usage, err := c.GetUsage(ctx, tenant)
	if err != nil {
		c.logger.Warn("Failed to read usage, admitting request",
			zap.String("tenant", tenant),
			zap.Error(err))
		return true, nil
	}
	for _, period := range usage {
		if period.Exceeded() {
			c.logger.Info("Spend cap reached",
				zap.String("tenant", tenant),
				zap.String("period", period.Period.String()),
				zap.Float64("used", period.Used),
				zap.Float64("cap", period.Cap))
			return false, nil
		}
	}
	return true, nil
}

// GetUsage returns the {used, cap} triple for the tenant.
func (c *Checker) GetUsage(ctx context.Context, tenant string) ([]PeriodUsage, error) {
	periods := []struct {
		period counter.Period
		cap    float64
	}{
		{counter.Day, c.caps.Daily},
		{counter.Month, c.caps.Monthly},
		{counter.Total, c.caps.Total},
	}

	out := make([]PeriodUsage, 0, len(periods))
	for _, p := range periods {
		used, _, err := c.store.Get(ctx, p.period, tenant, UsageMetric)
		if err != nil {
			return nil, err
		}
		out = append(out, PeriodUsage{Period: p.period, Used: used, Cap: p.cap})
	}
	return out, nil
}
