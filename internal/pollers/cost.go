package pollers

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// CostInterval is the cost poller's wall-clock cadence (spec §4.5: "6h").
const CostInterval = 6 * time.Hour

// PlanPricer fetches the current plan price list from the upstream
// provider.
type PlanPricer interface {
	FetchPlans(ctx context.Context) ([]PlanPrice, error)
}

// PlanPrice is one plan's cached pricing entry.
type PlanPrice struct {
	PlanID      string  `json:"plan_id"`
	Label       string  `json:"label"`
	MonthlyCost float64 `json:"monthly_cost"`
	HourlyCost  float64 `json:"hourly_cost"`
}

// AppMetadataStore is the subset of internal/store.AppMetadataStore the
// cost poller needs.
type AppMetadataStore interface {
	Get(ctx context.Context, key string, out any) error
	Set(ctx context.Context, key string, value any) error
}

const plansCacheKey = "plans_cache"

// CostPoller refreshes the cached plan price list every CostInterval, and
// once immediately at startup, which seeds an empty cache (spec §4.5).
type CostPoller struct {
	pricer PlanPricer
	meta   AppMetadataStore
	logger *zap.Logger
}

// NewCostPoller creates a CostPoller.
func NewCostPoller(pricer PlanPricer, meta AppMetadataStore, logger *zap.Logger) *CostPoller {
	return &CostPoller{pricer: pricer, meta: meta, logger: logger}
}

func (p *CostPoller) Name() string { return "cost" }

// Run fetches the plan list and overwrites the plans cache on every call,
// whether or not the cache already holds data. RunOnTicker calls Run once at
// startup, so an empty cache is seeded immediately; a non-empty cache is
// refreshed on that first call like on any other tick.
func (p *CostPoller) Run(ctx context.Context) error {
	plans, err := p.pricer.FetchPlans(ctx)
	if err != nil {
		return fmt.Errorf("pollers: fetch plans: %w", err)
	}
	if err := p.meta.Set(ctx, plansCacheKey, plans); err != nil {
		return fmt.Errorf("pollers: persist plans cache: %w", err)
	}
	p.logger.Info("refreshed plans cache", zap.Int("plan_count", len(plans)))
	return nil
}
