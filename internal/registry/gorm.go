package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/jit-scheduler/internal/model"
)

var (
	connectRetries = 10
	retryDelay     = 2 * time.Second
)

// Open connects to Postgres, retrying while the database comes up.
func Open(ctx context.Context, dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	var lastErr error
	for i := 0; i < connectRetries; i++ {
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
		if err == nil {
			sqlDB, dbErr := db.DB()
			if dbErr == nil {
				pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
				dbErr = sqlDB.PingContext(pingCtx)
				cancel()
			}
			if dbErr == nil {
				return db, nil
			}
			err = dbErr
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay):
		}
	}
	return nil, fmt.Errorf("db connect retries exhausted: %w", lastErr)
}

// Gorm is the durable registry backed by the rule_records and rule_audits
// tables created by cmd/migrate.
type Gorm struct {
	db *gorm.DB
}

func NewGorm(db *gorm.DB) *Gorm {
	return &Gorm{db: db}
}

func (g *Gorm) Upsert(ctx context.Context, rec *model.RuleRecord, mode Mode) error {
	tx := g.db.WithContext(ctx)
	if mode == Overwrite {
		tx = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "work_item_key"}},
			UpdateAll: true,
		})
	}
	if err := tx.Create(rec).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrConflict
		}
		return fmt.Errorf("upsert %s: %w", rec.WorkItemKey, err)
	}
	return nil
}

func (g *Gorm) Get(ctx context.Context, workItemKey string) (*model.RuleRecord, error) {
	var rec model.RuleRecord
	if err := g.db.WithContext(ctx).First(&rec, "work_item_key = ?", workItemKey).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

func (g *Gorm) ListDue(ctx context.Context, now time.Time) ([]model.RuleRecord, error) {
	var recs []model.RuleRecord
	err := g.db.WithContext(ctx).
		Where(`(status = @creating AND (scheduled_start IS NULL OR scheduled_start <= @now) AND (next_attempt_at IS NULL OR next_attempt_at <= @now))
			OR (status = @active AND scheduled_end IS NOT NULL AND scheduled_end <= @now)
			OR (status = @deleting AND (next_attempt_at IS NULL OR next_attempt_at <= @now))`,
			map[string]any{
				"creating": string(model.StatusPendingCreate),
				"active":   string(model.StatusActive),
				"deleting": string(model.StatusPendingDelete),
				"now":      now,
			}).
		Order("updated_at asc, work_item_key asc").
		Find(&recs).Error
	return recs, err
}

func (g *Gorm) List(ctx context.Context, f Filter) ([]model.RuleRecord, error) {
	var recs []model.RuleRecord
	q := g.db.WithContext(ctx).Model(&model.RuleRecord{})
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	if !f.UpdatedBefore.IsZero() {
		q = q.Where("updated_at < ?", f.UpdatedBefore)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	return recs, q.Order("updated_at asc, work_item_key asc").Find(&recs).Error
}

func (g *Gorm) Delete(ctx context.Context, workItemKey string) error {
	res := g.db.WithContext(ctx).Delete(&model.RuleRecord{}, "work_item_key = ?", workItemKey)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (g *Gorm) AppendAudit(ctx context.Context, a *model.RuleAudit) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return g.db.WithContext(ctx).Create(a).Error
}
