package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	grantdomain "github.com/smallbiznis/unprice/internal/grant/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repository struct{}

// New returns the gorm-backed grant store.
func New() grantdomain.Repository {
	return &repository{}
}

func (r *repository) ListActiveForSubjects(
	ctx context.Context,
	db *gorm.DB,
	projectID string,
	subjects []grantdomain.Subject,
	from time.Time,
	to *time.Time,
) ([]grantdomain.Grant, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, grantdomain.ErrInvalidProject
	}
	if len(subjects) == 0 {
		return nil, grantdomain.ErrInvalidSubject
	}

	stmt := db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Where("deleted = ?", false).
		Where("effective_at < ?", endOf(from, to))

	// Open-ended grants stay active regardless of the range end.
	stmt = stmt.Where("expires_at IS NULL OR expires_at > ?", from)

	subjectStmt := db.Session(&gorm.Session{NewDB: true})
	for i, subject := range subjects {
		cond := db.Session(&gorm.Session{NewDB: true}).
			Where("subject_kind = ? AND subject_id = ?", subject.Kind, subject.ID)
		if i == 0 {
			subjectStmt = subjectStmt.Where(cond)
		} else {
			subjectStmt = subjectStmt.Or(cond)
		}
	}
	stmt = stmt.Where(subjectStmt)

	var grants []grantdomain.Grant
	if err := stmt.Order("effective_at, id").Find(&grants).Error; err != nil {
		return nil, err
	}
	return grants, nil
}

func endOf(from time.Time, to *time.Time) time.Time {
	if to != nil {
		return *to
	}
	return from.Add(time.Nanosecond)
}

func (r *repository) Insert(ctx context.Context, db *gorm.DB, grant *grantdomain.Grant) error {
	if grant == nil {
		return grantdomain.ErrInvalidGrant
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "project_id"},
				{Name: "subject_kind"},
				{Name: "subject_id"},
				{Name: "type"},
				{Name: "effective_at"},
				{Name: "expires_at"},
				{Name: "feature_plan_version_id"},
			},
			DoNothing: true,
		}).
		Create(grant).Error
}

func (r *repository) SoftDelete(
	ctx context.Context,
	db *gorm.DB,
	projectID string,
	subjectKind grantdomain.SubjectKind,
	subjectID string,
	ids []snowflake.ID,
) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().UTC()
	return db.WithContext(ctx).
		Model(&grantdomain.Grant{}).
		Where("project_id = ? AND subject_kind = ? AND subject_id = ?", projectID, subjectKind, subjectID).
		Where("id IN ?", ids).
		Updates(map[string]any{
			"deleted":    true,
			"deleted_at": now,
			"updated_at": now,
		}).Error
}
