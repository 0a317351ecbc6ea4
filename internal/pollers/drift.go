package pollers

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/cloudlab-io/manager/internal/db"
)

// InventoryObjectLister lists every inventory object the drift poller
// should check.
type InventoryObjectLister interface {
	ListAllObjects(ctx context.Context) ([]db.InventoryObject, error)
}

// LiveStateProber probes an inventory object's live cloud state. It is an
// opaque external call (an out-of-process script per spec §1's
// out-of-scope cloud SDKs) returning the live data to diff against the
// object's recorded Data.
type LiveStateProber interface {
	ProbeLiveState(ctx context.Context, obj *db.InventoryObject) (map[string]any, error)
}

// DriftReportStore is the subset of internal/store.DriftStore the poller
// needs.
type DriftReportStore interface {
	Create(ctx context.Context, r *db.DriftReport) error
}

// DriftNotifier is notified for every drift report the poller records.
// DriftNotificationSettings are not consulted on this path.
type DriftNotifier interface {
	NotifyDriftDetected(ctx context.Context, report *db.DriftReport) error
}

// DriftPoller compares each inventory object's recorded state against a
// live probe and persists a DriftReport when they diverge (spec §4.5).
type DriftPoller struct {
	objects  InventoryObjectLister
	prober   LiveStateProber
	reports  DriftReportStore
	notifier DriftNotifier
	logger   *zap.Logger
}

// NewDriftPoller creates a DriftPoller.
func NewDriftPoller(objects InventoryObjectLister, prober LiveStateProber, reports DriftReportStore, notifier DriftNotifier, logger *zap.Logger) *DriftPoller {
	return &DriftPoller{objects: objects, prober: prober, reports: reports, notifier: notifier, logger: logger}
}

func (p *DriftPoller) Name() string { return "drift" }

func (p *DriftPoller) Run(ctx context.Context) error {
	objects, err := p.objects.ListAllObjects(ctx)
	if err != nil {
		return fmt.Errorf("pollers: list inventory objects: %w", err)
	}

	checked, drifted := 0, 0
	for i := range objects {
		obj := &objects[i]
		live, err := p.prober.ProbeLiveState(ctx, obj)
		if err != nil {
			p.logger.Warn("drift probe failed", zap.String("object_id", obj.ID.String()), zap.Error(err))
			continue
		}
		checked++

		diff, changed := diffRecordedVsLive(obj.Data, live)
		if !changed {
			continue
		}
		drifted++

		report, err := p.persistReport(ctx, obj, diff)
		if err != nil {
			p.logger.Error("persist drift report failed", zap.String("object_id", obj.ID.String()), zap.Error(err))
			continue
		}
		if err := p.notifier.NotifyDriftDetected(ctx, report); err != nil {
			p.logger.Warn("drift notification failed", zap.String("object_id", obj.ID.String()), zap.Error(err))
		}
	}

	p.logger.Info("drift check complete", zap.Int("checked", checked), zap.Int("drifted", drifted))
	return nil
}

func (p *DriftPoller) persistReport(ctx context.Context, obj *db.InventoryObject, diff map[string]any) (*db.DriftReport, error) {
	summary := map[string]any{"changed_fields": len(diff)}
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return nil, err
	}
	detailJSON, err := json.Marshal(diff)
	if err != nil {
		return nil, err
	}
	report := &db.DriftReport{
		ObjectID: &obj.ID,
		Summary:  string(summaryJSON),
		Detail:   string(detailJSON),
	}
	if err := p.reports.Create(ctx, report); err != nil {
		return nil, err
	}
	return report, nil
}

// diffRecordedVsLive does a shallow top-level key comparison between an
// object's recorded Data and its live probe result, returning the fields
// that differ.
func diffRecordedVsLive(recordedJSON string, live map[string]any) (map[string]any, bool) {
	var recorded map[string]any
	if recordedJSON != "" {
		_ = json.Unmarshal([]byte(recordedJSON), &recorded)
	}

	diff := make(map[string]any)
	for key, liveVal := range live {
		recordedVal, ok := recorded[key]
		if !ok || fmt.Sprint(recordedVal) != fmt.Sprint(liveVal) {
			diff[key] = map[string]any{"recorded": recordedVal, "live": liveVal}
		}
	}
	return diff, len(diff) > 0
}
