// Package actorstore is the embedded durable store backing one actor host.
// It keeps entitlement state, idempotence keys and the not-yet-flushed
// usage/verification buffers so a restarted host can replay them.
package actorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	entitlementdomain "github.com/smallbiznis/unprice/internal/entitlement/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

var ErrNotFound = errors.New("actor_state_not_found")

// minIdempotenceTTL floors the retention window for idempotence keys.
const minIdempotenceTTL = time.Hour

type stateRow struct {
	Key       string `gorm:"primaryKey;type:text"`
	State     []byte `gorm:"type:blob;not null"`
	UpdatedAt time.Time
}

func (stateRow) TableName() string { return "actor_entitlement_states" }

type idempotenceRow struct {
	Key       string    `gorm:"primaryKey;type:text"`
	ExpiresAt time.Time `gorm:"not null;index"`
}

func (idempotenceRow) TableName() string { return "actor_idempotence_keys" }

type pendingUsageRow struct {
	ID        string `gorm:"primaryKey;type:text"`
	StateKey  string `gorm:"type:text;not null;index"`
	Payload   []byte `gorm:"type:blob;not null"`
	CreatedAt time.Time
}

func (pendingUsageRow) TableName() string { return "actor_pending_usage" }

type pendingVerificationRow struct {
	ID        string `gorm:"primaryKey;type:text"`
	StateKey  string `gorm:"type:text;not null;index"`
	Payload   []byte `gorm:"type:blob;not null"`
	CreatedAt time.Time
}

func (pendingVerificationRow) TableName() string { return "actor_pending_verifications" }

// Store is the single-writer persistence layer owned by an actor host.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open opens (or creates) the embedded database at path. An empty path
// keeps everything in memory, which is what tests and stateless deploys use.
func Open(path string, logger *zap.Logger) (*Store, error) {
	dsn := path
	if dsn == "" {
		dsn = "file::memory:?cache=shared"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(
		&stateRow{},
		&idempotenceRow{},
		&pendingUsageRow{},
		&pendingVerificationRow{},
	); err != nil {
		return nil, err
	}
	return &Store{db: db, logger: logger.Named("actorstore")}, nil
}

// MakeKey builds the canonical state key for one entitlement.
func MakeKey(projectID, customerID, featureSlug string) string {
	return fmt.Sprintf("%s:%s:%s", projectID, customerID, featureSlug)
}

func customerPrefix(projectID, customerID string) string {
	return fmt.Sprintf("%s:%s:", projectID, customerID)
}

// GetState loads one entitlement state. ErrNotFound when the key was never
// written or has been reset.
func (s *Store) GetState(ctx context.Context, key string) (*entitlementdomain.EntitlementState, error) {
	var row stateRow
	err := s.db.WithContext(ctx).Take(&row, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var state entitlementdomain.EntitlementState
	if err := json.Unmarshal(row.State, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// PutState upserts one entitlement state.
func (s *Store) PutState(ctx context.Context, key string, state *entitlementdomain.EntitlementState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	row := stateRow{Key: key, State: payload, UpdatedAt: time.Now().UTC()}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"state", "updated_at"}),
		}).
		Create(&row).Error
}

// ListStates returns every entitlement state stored for one customer.
func (s *Store) ListStates(ctx context.Context, projectID, customerID string) (map[string]*entitlementdomain.EntitlementState, error) {
	var rows []stateRow
	err := s.db.WithContext(ctx).
		Where("key LIKE ?", customerPrefix(projectID, customerID)+"%").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]*entitlementdomain.EntitlementState, len(rows))
	for _, row := range rows {
		var state entitlementdomain.EntitlementState
		if err := json.Unmarshal(row.State, &state); err != nil {
			return nil, err
		}
		out[row.Key] = &state
	}
	return out, nil
}

// DeleteState removes one entitlement state.
func (s *Store) DeleteState(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Delete(&stateRow{}, "key = ?", key).Error
}

// ObserveIdempotenceKey records key on first observation and reports whether
// it had been seen before. The ttl is floored at one hour so a key outlives
// at least one retry storm.
func (s *Store) ObserveIdempotenceKey(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl < minIdempotenceTTL {
		ttl = minIdempotenceTTL
	}
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&idempotenceRow{Key: key, ExpiresAt: now.Add(ttl)})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		return false, nil
	}
	// Conflict. A key past its expiry is treated as new again.
	var row idempotenceRow
	if err := s.db.WithContext(ctx).Take(&row, "key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	if row.ExpiresAt.Before(now) {
		err := s.db.WithContext(ctx).
			Model(&idempotenceRow{}).
			Where("key = ?", key).
			Update("expires_at", now.Add(ttl)).Error
		return false, err
	}
	return true, nil
}

// PurgeExpiredKeys drops idempotence keys past their expiry. Called from the
// actor alarm.
func (s *Store) PurgeExpiredKeys(ctx context.Context, now time.Time) error {
	return s.db.WithContext(ctx).
		Delete(&idempotenceRow{}, "expires_at < ?", now.UTC()).Error
}

// AppendUsage buffers one usage record until the next flush.
func (s *Store) AppendUsage(ctx context.Context, stateKey string, record entitlementdomain.UsageRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&pendingUsageRow{
			ID:        record.ID,
			StateKey:  stateKey,
			Payload:   payload,
			CreatedAt: record.CreatedAt,
		}).Error
}

// AppendVerification buffers one verification until the next flush.
func (s *Store) AppendVerification(ctx context.Context, stateKey string, v entitlementdomain.Verification) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&pendingVerificationRow{
			ID:        v.RequestID,
			StateKey:  stateKey,
			Payload:   payload,
			CreatedAt: v.CreatedAt,
		}).Error
}

// PendingUsage returns the buffered usage records in insertion order.
func (s *Store) PendingUsage(ctx context.Context) ([]entitlementdomain.UsageRecord, error) {
	var rows []pendingUsageRow
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]entitlementdomain.UsageRecord, 0, len(rows))
	for _, row := range rows {
		var rec entitlementdomain.UsageRecord
		if err := json.Unmarshal(row.Payload, &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// PendingVerifications returns the buffered verifications in insertion order.
func (s *Store) PendingVerifications(ctx context.Context) ([]entitlementdomain.Verification, error) {
	var rows []pendingVerificationRow
	if err := s.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]entitlementdomain.Verification, 0, len(rows))
	for _, row := range rows {
		var v entitlementdomain.Verification
		if err := json.Unmarshal(row.Payload, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// MarkUsageFlushed removes flushed usage records from the buffer.
func (s *Store) MarkUsageFlushed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Delete(&pendingUsageRow{}, "id IN ?", ids).Error
}

// MarkVerificationsFlushed removes flushed verifications from the buffer.
func (s *Store) MarkVerificationsFlushed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Delete(&pendingVerificationRow{}, "id IN ?", ids).Error
}

// Reset wipes everything stored for one customer: states, idempotence keys
// and pending buffers. Buffered rows are dropped, not flushed; callers flush
// first when they need the data.
func (s *Store) Reset(ctx context.Context, projectID, customerID string) error {
	prefix := customerPrefix(projectID, customerID) + "%"
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&stateRow{}, "key LIKE ?", prefix).Error; err != nil {
			return err
		}
		if err := tx.Delete(&pendingUsageRow{}, "state_key LIKE ?", prefix).Error; err != nil {
			return err
		}
		if err := tx.Delete(&pendingVerificationRow{}, "state_key LIKE ?", prefix).Error; err != nil {
			return err
		}
		return tx.Delete(&idempotenceRow{}, "key LIKE ?", prefix).Error
	})
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
