package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"oneui/internal/domain/update"
	"oneui/internal/infrastructure/persistence/models"
	"oneui/internal/shared/logger"
)

// UpdateLockRepository implements update.LockRepository with an atomic
// conditional claim on the single lock row.
type UpdateLockRepository struct {
	db     *gorm.DB
	logger logger.Interface
}

func NewUpdateLockRepository(db *gorm.DB, log logger.Interface) update.LockRepository {
	return &UpdateLockRepository{db: db, logger: log}
}

// Acquire claims the named lock. The claim runs in a transaction with the
// row locked, so two concurrent claimants serialize: the second observes
// either the live lock (and fails) or the stale/absent one (and wins).
func (r *UpdateLockRepository) Acquire(ctx context.Context, name, ownerID string, expiresAt time.Time) (*update.Lock, bool, error) {
	now := time.Now().UTC()
	var held *update.Lock
	acquired := false

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model models.UpdateLockModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("name = ?", name).
			First(&model).Error
		switch {
		case err == nil:
			if model.ExpiresAt.After(now) {
				held = toLockEntity(&model)
				return nil
			}
			// Stale lock: take it over.
			result := tx.Model(&models.UpdateLockModel{}).
				Where("name = ? AND expires_at <= ?", name, now).
				Updates(map[string]any{
					"owner_id":   ownerID,
					"expires_at": expiresAt,
					"created_at": now,
				})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				// Lost the race to another claimant.
				var current models.UpdateLockModel
				if err := tx.Where("name = ?", name).First(&current).Error; err == nil {
					held = toLockEntity(&current)
				}
				return nil
			}
			acquired = true
			return nil
		case errors.Is(err, gorm.ErrRecordNotFound):
			model = models.UpdateLockModel{
				Name:      name,
				OwnerID:   ownerID,
				ExpiresAt: expiresAt,
				CreatedAt: now,
			}
			if err := tx.Create(&model).Error; err != nil {
				return err
			}
			acquired = true
			return nil
		default:
			return err
		}
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire update lock: %w", err)
	}
	if acquired {
		held = &update.Lock{Name: name, OwnerID: ownerID, ExpiresAt: expiresAt, CreatedAt: now}
	}
	return held, acquired, nil
}

func (r *UpdateLockRepository) Get(ctx context.Context, name string) (*update.Lock, error) {
	var model models.UpdateLockModel
	if err := r.db.WithContext(ctx).Where("name = ?", name).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get update lock: %w", err)
	}
	return toLockEntity(&model), nil
}

func (r *UpdateLockRepository) Release(ctx context.Context, name, ownerID string) error {
	result := r.db.WithContext(ctx).
		Where("name = ? AND owner_id = ?", name, ownerID).
		Delete(&models.UpdateLockModel{})
	if result.Error != nil {
		return fmt.Errorf("failed to release update lock: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		r.logger.Warnw("release skipped, lock not owned", "name", name, "owner_id", ownerID)
	}
	return nil
}

func (r *UpdateLockRepository) ForceRelease(ctx context.Context, name string) error {
	if err := r.db.WithContext(ctx).
		Where("name = ?", name).
		Delete(&models.UpdateLockModel{}).Error; err != nil {
		return fmt.Errorf("failed to force-release update lock: %w", err)
	}
	return nil
}

func toLockEntity(m *models.UpdateLockModel) *update.Lock {
	return &update.Lock{
		Name:      m.Name,
		OwnerID:   m.OwnerID,
		ExpiresAt: m.ExpiresAt,
		CreatedAt: m.CreatedAt,
	}
}

// UpdateHistoryRepository implements update.HistoryRepository.
type UpdateHistoryRepository struct {
	db     *gorm.DB
	logger logger.Interface
}

func NewUpdateHistoryRepository(db *gorm.DB, log logger.Interface) update.HistoryRepository {
	return &UpdateHistoryRepository{db: db, logger: log}
}

func (r *UpdateHistoryRepository) Append(ctx context.Context, entry *update.HistoryEntry) error {
	model := models.UpdateHistoryModel{
		Level:     string(entry.Level),
		Message:   entry.Message,
		CreatedAt: entry.CreatedAt,
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	if entry.Metadata != nil {
		raw, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode history metadata: %w", err)
		}
		model.Metadata = raw
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("failed to append update history: %w", err)
	}
	entry.ID = model.ID
	return nil
}

func (r *UpdateHistoryRepository) List(ctx context.Context, offset, limit int) ([]update.HistoryEntry, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&models.UpdateHistoryModel{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count update history: %w", err)
	}

	var rows []models.UpdateHistoryModel
	if err := r.db.WithContext(ctx).
		Order("created_at DESC, id DESC").
		Offset(offset).
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list update history: %w", err)
	}

	entries := make([]update.HistoryEntry, 0, len(rows))
	for _, row := range rows {
		entry := update.HistoryEntry{
			ID:        row.ID,
			Level:     update.HistoryLevel(row.Level),
			Message:   row.Message,
			CreatedAt: row.CreatedAt,
		}
		if len(row.Metadata) > 0 {
			_ = json.Unmarshal(row.Metadata, &entry.Metadata)
		}
		entries = append(entries, entry)
	}
	return entries, total, nil
}
