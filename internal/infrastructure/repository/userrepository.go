package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"

	"oneui/internal/domain/user"
	"oneui/internal/infrastructure/persistence/models"
	"oneui/internal/shared/logger"
)

// UserRepository implements user.Repository on gorm.
type UserRepository struct {
	db     *gorm.DB
	logger logger.Interface
}

func NewUserRepository(db *gorm.DB, log logger.Interface) user.Repository {
	return &UserRepository{db: db, logger: log}
}

func (r *UserRepository) GetByID(ctx context.Context, id uint) (*user.User, error) {
	var model models.UserModel
	if err := r.db.WithContext(ctx).First(&model, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return toUserEntity(&model), nil
}

func (r *UserRepository) GetByUUID(ctx context.Context, uuid string) (*user.User, error) {
	var model models.UserModel
	if err := r.db.WithContext(ctx).Where("uuid = ?", uuid).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user by uuid: %w", err)
	}
	return toUserEntity(&model), nil
}

func (r *UserRepository) ListActive(ctx context.Context) ([]*user.User, error) {
	var userModels []models.UserModel
	if err := r.db.WithContext(ctx).
		Where("status = ?", string(user.StatusActive)).
		Find(&userModels).Error; err != nil {
		return nil, fmt.Errorf("failed to list active users: %w", err)
	}
	users := make([]*user.User, 0, len(userModels))
	for i := range userModels {
		users = append(users, toUserEntity(&userModels[i]))
	}
	return users, nil
}

// ListActiveProjections loads active users with their enabled inbounds.
// Direct user-inbound relations win over group-derived ones on duplicates;
// group relations only fill gaps.
func (r *UserRepository) ListActiveProjections(ctx context.Context) ([]user.ActiveProjection, error) {
	var userModels []models.UserModel
	if err := r.db.WithContext(ctx).
		Where("status = ?", string(user.StatusActive)).
		Find(&userModels).Error; err != nil {
		return nil, fmt.Errorf("failed to list active users: %w", err)
	}
	if len(userModels) == 0 {
		return []user.ActiveProjection{}, nil
	}

	userIDs := make([]uint, 0, len(userModels))
	for i := range userModels {
		userIDs = append(userIDs, userModels[i].ID)
	}

	type relRow struct {
		UserID    uint
		InboundID uint
		Tag       string
		Priority  int
	}

	var direct []relRow
	if err := r.db.WithContext(ctx).
		Table(models.UserInboundModel{}.TableName()+" AS ui").
		Select("ui.user_id, ui.inbound_id, i.tag, ui.priority").
		Joins("JOIN "+models.InboundModel{}.TableName()+" AS i ON i.id = ui.inbound_id").
		Where("ui.user_id IN ? AND ui.enabled = ? AND i.enabled = ?", userIDs, true, true).
		Scan(&direct).Error; err != nil {
		return nil, fmt.Errorf("failed to load direct user inbounds: %w", err)
	}

	var grouped []relRow
	if err := r.db.WithContext(ctx).
		Table(models.UserGroupModel{}.TableName()+" AS ug").
		Select("ug.user_id, gi.inbound_id, i.tag, CASE WHEN gi.priority > 0 THEN gi.priority ELSE g.default_priority END AS priority").
		Joins("JOIN "+models.GroupModel{}.TableName()+" AS g ON g.id = ug.group_id AND g.enabled = ?", true).
		Joins("JOIN "+models.GroupInboundModel{}.TableName()+" AS gi ON gi.group_id = ug.group_id AND gi.enabled = ?", true).
		Joins("JOIN "+models.InboundModel{}.TableName()+" AS i ON i.id = gi.inbound_id AND i.enabled = ?", true).
		Where("ug.user_id IN ?", userIDs).
		Scan(&grouped).Error; err != nil {
		return nil, fmt.Errorf("failed to load group user inbounds: %w", err)
	}

	refs := make(map[uint]map[uint]user.InboundRef, len(userModels))
	add := func(rows []relRow, overwrite bool) {
		for _, row := range rows {
			byInbound, ok := refs[row.UserID]
			if !ok {
				byInbound = make(map[uint]user.InboundRef)
				refs[row.UserID] = byInbound
			}
			if _, exists := byInbound[row.InboundID]; exists && !overwrite {
				continue
			}
			byInbound[row.InboundID] = user.InboundRef{
				InboundID: row.InboundID,
				Tag:       row.Tag,
				Priority:  row.Priority,
			}
		}
	}
	add(direct, true)
	add(grouped, false)

	projections := make([]user.ActiveProjection, 0, len(userModels))
	for i := range userModels {
		m := &userModels[i]
		p := user.ActiveProjection{ID: m.ID, Email: m.Email, UUID: m.UUID}
		for _, ref := range refs[m.ID] {
			p.Inbounds = append(p.Inbounds, ref)
		}
		sort.Slice(p.Inbounds, func(a, b int) bool {
			if p.Inbounds[a].Priority != p.Inbounds[b].Priority {
				return p.Inbounds[a].Priority < p.Inbounds[b].Priority
			}
			return p.Inbounds[a].InboundID < p.Inbounds[b].InboundID
		})
		projections = append(projections, p)
	}
	return projections, nil
}

// IncrementUsage adds the deltas to the user's counters and appends the
// traffic log row in one transaction so counter and log never diverge.
func (r *UserRepository) IncrementUsage(ctx context.Context, userID uint, upload, download uint64, at time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.UserModel{}).
			Where("id = ?", userID).
			Updates(map[string]any{
				"upload_used":   gorm.Expr("upload_used + ?", upload),
				"download_used": gorm.Expr("download_used + ?", download),
			})
		if result.Error != nil {
			return fmt.Errorf("failed to increment usage: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		entry := models.TrafficLogModel{
			UserID:    userID,
			Upload:    upload,
			Download:  download,
			CreatedAt: at,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return fmt.Errorf("failed to append traffic log: %w", err)
		}
		return nil
	})
}

func (r *UserRepository) UpdateStatus(ctx context.Context, userID uint, status user.Status) error {
	result := r.db.WithContext(ctx).Model(&models.UserModel{}).
		Where("id = ?", userID).
		Update("status", string(status))
	if result.Error != nil {
		return fmt.Errorf("failed to update user status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	r.logger.Infow("user status updated", "user_id", userID, "status", status)
	return nil
}

func (r *UserRepository) ResetUsage(ctx context.Context, userID uint) error {
	result := r.db.WithContext(ctx).Model(&models.UserModel{}).
		Where("id = ?", userID).
		Updates(map[string]any{"upload_used": 0, "download_used": 0})
	if result.Error != nil {
		return fmt.Errorf("failed to reset usage: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func toUserEntity(m *models.UserModel) *user.User {
	return &user.User{
		ID:                m.ID,
		Email:             m.Email,
		UUID:              m.UUID,
		Password:          m.Password,
		SubscriptionToken: m.SubscriptionToken,
		Status:            user.Status(m.Status),
		DataLimit:         m.DataLimit,
		UploadUsed:        m.UploadUsed,
		DownloadUsed:      m.DownloadUsed,
		ExpireDate:        m.ExpireDate,
		IPLimit:           m.IPLimit,
		DeviceLimit:       m.DeviceLimit,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}
