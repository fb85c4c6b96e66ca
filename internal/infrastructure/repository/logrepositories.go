package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"oneui/internal/domain/traffic"
	"oneui/internal/shared/logger"

	"oneui/internal/infrastructure/persistence/models"
)

// ConnectionLogRepository implements traffic.ConnectionLogRepository.
type ConnectionLogRepository struct {
	db     *gorm.DB
	logger logger.Interface
}

func NewConnectionLogRepository(db *gorm.DB, log logger.Interface) traffic.ConnectionLogRepository {
	return &ConnectionLogRepository{db: db, logger: log}
}

func (r *ConnectionLogRepository) Append(ctx context.Context, entry *traffic.ConnectionLog) error {
	model := models.ConnectionLogModel{
		UserID:    entry.UserID,
		InboundID: entry.InboundID,
		Action:    string(entry.Action),
		ClientIP:  entry.ClientIP,
		CreatedAt: entry.CreatedAt,
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("failed to append connection log: %w", err)
	}
	entry.ID = model.ID
	return nil
}

func (r *ConnectionLogRepository) ListSince(ctx context.Context, since time.Time) ([]traffic.ConnectionLog, error) {
	var rows []models.ConnectionLogModel
	if err := r.db.WithContext(ctx).
		Where("created_at >= ?", since).
		Order("created_at DESC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list connection logs: %w", err)
	}
	entries := make([]traffic.ConnectionLog, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, traffic.ConnectionLog{
			ID:        row.ID,
			UserID:    row.UserID,
			InboundID: row.InboundID,
			Action:    traffic.ConnectionAction(row.Action),
			ClientIP:  row.ClientIP,
			CreatedAt: row.CreatedAt,
		})
	}
	return entries, nil
}

func (r *ConnectionLogRepository) DistinctIPsSince(ctx context.Context, userID uint, since time.Time) ([]string, error) {
	var ips []string
	if err := r.db.WithContext(ctx).
		Model(&models.ConnectionLogModel{}).
		Distinct("client_ip").
		Where("user_id = ? AND created_at >= ? AND client_ip <> ''", userID, since).
		Pluck("client_ip", &ips).Error; err != nil {
		return nil, fmt.Errorf("failed to list distinct ips: %w", err)
	}
	return ips, nil
}

// TrafficLogRepository implements traffic.TrafficLogRepository. Rows are
// appended by UserRepository.IncrementUsage inside the counter transaction.
type TrafficLogRepository struct {
	db     *gorm.DB
	logger logger.Interface
}

func NewTrafficLogRepository(db *gorm.DB, log logger.Interface) traffic.TrafficLogRepository {
	return &TrafficLogRepository{db: db, logger: log}
}

func (r *TrafficLogRepository) ListSince(ctx context.Context, since time.Time) ([]traffic.TrafficLog, error) {
	var rows []models.TrafficLogModel
	if err := r.db.WithContext(ctx).
		Where("created_at >= ?", since).
		Order("created_at DESC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list traffic logs: %w", err)
	}
	entries := make([]traffic.TrafficLog, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, traffic.TrafficLog{
			ID:        row.ID,
			UserID:    row.UserID,
			Upload:    row.Upload,
			Download:  row.Download,
			CreatedAt: row.CreatedAt,
		})
	}
	return entries, nil
}

func (r *TrafficLogRepository) LatestPerUserSince(ctx context.Context, since time.Time) (map[uint]time.Time, error) {
	type row struct {
		UserID uint
		Latest time.Time
	}
	var rows []row
	if err := r.db.WithContext(ctx).
		Model(&models.TrafficLogModel{}).
		Select("user_id, MAX(created_at) AS latest").
		Where("created_at >= ?", since).
		Group("user_id").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to aggregate traffic logs: %w", err)
	}
	latest := make(map[uint]time.Time, len(rows))
	for _, r := range rows {
		latest[r.UserID] = r.Latest
	}
	return latest, nil
}
