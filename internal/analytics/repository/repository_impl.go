// Package repository implements the analytics store over the relational
// backend. Reads aggregate in SQL so the hot path never pages raw records.
package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	analyticsdomain "github.com/smallbiznis/unprice/internal/analytics/domain"
	entitlementdomain "github.com/smallbiznis/unprice/internal/entitlement/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type store struct {
	db *gorm.DB
}

// ProvideStore builds the gorm-backed analytics client.
func ProvideStore(db *gorm.DB) analyticsdomain.Client {
	return &store{db: db}
}

type aggregateRow struct {
	Total        decimal.Decimal
	LastRecordID string
	Records      int64
}

func (s *store) GetFeaturesUsageCursor(ctx context.Context, q analyticsdomain.UsageCursorQuery) (analyticsdomain.UsageCursorResult, error) {
	agg := entitlementdomain.AggregationFor(q.Aggregation)

	tx := s.db.WithContext(ctx).
		Model(&analyticsdomain.FeatureUsageRecord{}).
		Where("project_id = ? AND customer_id = ? AND feature_slug = ? AND deleted = ?",
			q.ProjectID, q.CustomerID, q.FeatureSlug, false)

	if agg.Scope == entitlementdomain.ScopePeriod && !q.CycleStart.IsZero() {
		tx = tx.Where("timestamp >= ?", q.CycleStart)
	}
	if q.AfterRecordID != "" {
		tx = tx.Where("id > ?", q.AfterRecordID)
	}
	if q.BeforeRecordID != "" {
		tx = tx.Where("id < ?", q.BeforeRecordID)
	}

	var row aggregateRow
	var err error
	switch {
	case agg.CountsEvents:
		err = tx.Select("COUNT(*) AS total, COALESCE(MAX(id), '') AS last_record_id, COUNT(*) AS records").
			Scan(&row).Error
	case agg.Behavior == entitlementdomain.BehaviorMax:
		err = tx.Select("COALESCE(MAX(usage), 0) AS total, COALESCE(MAX(id), '') AS last_record_id, COUNT(*) AS records").
			Scan(&row).Error
	case agg.Behavior == entitlementdomain.BehaviorLast:
		err = s.lastRecord(tx, &row)
	default:
		err = tx.Select("COALESCE(SUM(usage), 0) AS total, COALESCE(MAX(id), '') AS last_record_id, COUNT(*) AS records").
			Scan(&row).Error
	}
	if err != nil {
		return analyticsdomain.UsageCursorResult{}, err
	}
	return analyticsdomain.UsageCursorResult{
		Total:        row.Total,
		LastRecordID: row.LastRecordID,
		Records:      row.Records,
	}, nil
}

// lastRecord resolves the "last value wins" aggregation: the usage of the
// highest-id record in the window.
func (s *store) lastRecord(tx *gorm.DB, row *aggregateRow) error {
	var rec analyticsdomain.FeatureUsageRecord
	err := tx.Order("id DESC").Limit(1).Take(&rec).Error
	if err == gorm.ErrRecordNotFound {
		row.Total = decimal.Zero
		return nil
	}
	if err != nil {
		return err
	}
	row.Total = rec.Usage
	row.LastRecordID = rec.ID
	row.Records = 1
	return nil
}

func (s *store) GetBillingUsage(ctx context.Context, projectID, customerID string, cycleStart time.Time) ([]analyticsdomain.BillingUsageRow, error) {
	var rows []analyticsdomain.BillingUsageRow
	err := s.db.WithContext(ctx).
		Model(&analyticsdomain.FeatureUsageRecord{}).
		Select("feature_slug, COALESCE(SUM(usage), 0) AS usage, COALESCE(SUM(cost), 0) AS cost, COUNT(*) AS events").
		Where("project_id = ? AND customer_id = ? AND deleted = ? AND timestamp >= ?",
			projectID, customerID, false, cycleStart).
		Group("feature_slug").
		Order("feature_slug ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *store) IngestUsageRecords(ctx context.Context, records []entitlementdomain.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([]analyticsdomain.FeatureUsageRecord, 0, len(records))
	for _, r := range records {
		rows = append(rows, analyticsdomain.FeatureUsageRecord{
			ID:             r.ID,
			ProjectID:      r.ProjectID,
			CustomerID:     r.CustomerID,
			FeatureSlug:    r.FeatureSlug,
			Usage:          r.Usage,
			Timestamp:      r.Timestamp,
			IdempotenceKey: r.IdempotenceKey,
			RequestID:      r.RequestID,
			Cost:           r.Metadata.Cost,
			Metadata:       datatypes.JSONMap(r.Metadata.Extra),
			Deleted:        r.Deleted,
			CreatedAt:      r.CreatedAt,
		})
	}
	// Replays after an actor restart re-send the same ULIDs.
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rows).Error
}

func (s *store) IngestVerifications(ctx context.Context, verifications []entitlementdomain.Verification) error {
	if len(verifications) == 0 {
		return nil
	}
	rows := make([]analyticsdomain.FeatureVerification, 0, len(verifications))
	for _, v := range verifications {
		rows = append(rows, analyticsdomain.FeatureVerification{
			ID:           v.RequestID,
			ProjectID:    v.ProjectID,
			CustomerID:   v.CustomerID,
			FeatureSlug:  v.FeatureSlug,
			Timestamp:    v.Timestamp,
			Allowed:      v.Allowed,
			DeniedReason: string(v.DeniedReason),
			LatencyMs:    float64(v.Latency.Microseconds()) / 1000,
			RequestID:    v.RequestID,
			Metadata:     datatypes.JSONMap(v.Metadata.Extra),
			CreatedAt:    v.CreatedAt,
		})
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rows).Error
}
