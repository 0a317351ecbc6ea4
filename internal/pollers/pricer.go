package pollers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// fetchPlansTimeout bounds the upstream plan-pricing request.
const fetchPlansTimeout = 30 * time.Second

// HTTPPlanPricer implements PlanPricer against an upstream provider's
// plan-list endpoint (spec §1: cloud SDK calls are out of scope, so this
// talks to a plain JSON HTTP endpoint rather than a vendored SDK client,
// mirroring plan_pricing.py's cached, provider-agnostic plans_cache shape).
type HTTPPlanPricer struct {
	url    string
	apiKey string
	client *http.Client
}

// NewHTTPPlanPricer creates an HTTPPlanPricer. url is the provider's plan
// list endpoint; apiKey, if non-empty, is sent as a Bearer token.
func NewHTTPPlanPricer(url, apiKey string) *HTTPPlanPricer {
	return &HTTPPlanPricer{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: fetchPlansTimeout},
	}
}

type providerPlan struct {
	ID          string  `json:"id"`
	Label       string  `json:"label"`
	MonthlyCost float64 `json:"monthly_cost"`
	HourlyCost  float64 `json:"hourly_cost"`
}

type providerPlansResponse struct {
	Plans []providerPlan `json:"plans"`
}

// FetchPlans requests the current plan list from the configured provider
// endpoint and maps it into the poller's provider-agnostic PlanPrice shape.
func (p *HTTPPlanPricer) FetchPlans(ctx context.Context) ([]PlanPrice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, fmt.Errorf("pollers: build plans request: %w", err)
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pollers: fetch plans: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pollers: plans endpoint returned status %d", resp.StatusCode)
	}

	var parsed providerPlansResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("pollers: decode plans response: %w", err)
	}

	plans := make([]PlanPrice, 0, len(parsed.Plans))
	for _, pl := range parsed.Plans {
		plans = append(plans, PlanPrice{
			PlanID:      pl.ID,
			Label:       pl.Label,
			MonthlyCost: pl.MonthlyCost,
			HourlyCost:  pl.HourlyCost,
		})
	}
	return plans, nil
}
