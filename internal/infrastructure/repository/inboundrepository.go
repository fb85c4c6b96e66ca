package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"gorm.io/gorm"

	"oneui/internal/domain/inbound"
	"oneui/internal/domain/user"
	"oneui/internal/infrastructure/persistence/models"
	"oneui/internal/shared/logger"
)

// InboundRepository implements inbound.Repository on gorm.
type InboundRepository struct {
	db     *gorm.DB
	logger logger.Interface
}

func NewInboundRepository(db *gorm.DB, log logger.Interface) inbound.Repository {
	return &InboundRepository{db: db, logger: log}
}

func (r *InboundRepository) GetByID(ctx context.Context, id uint) (*inbound.Inbound, error) {
	var model models.InboundModel
	if err := r.db.WithContext(ctx).First(&model, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get inbound: %w", err)
	}
	return toInboundEntity(&model)
}

func (r *InboundRepository) GetByTag(ctx context.Context, tag string) (*inbound.Inbound, error) {
	var model models.InboundModel
	if err := r.db.WithContext(ctx).Where("tag = ?", tag).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get inbound by tag: %w", err)
	}
	return toInboundEntity(&model)
}

func (r *InboundRepository) ListEnabled(ctx context.Context) ([]*inbound.Inbound, error) {
	var inboundModels []models.InboundModel
	if err := r.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("port ASC").
		Find(&inboundModels).Error; err != nil {
		return nil, fmt.Errorf("failed to list enabled inbounds: %w", err)
	}
	result := make([]*inbound.Inbound, 0, len(inboundModels))
	for i := range inboundModels {
		entity, err := toInboundEntity(&inboundModels[i])
		if err != nil {
			r.logger.Warnw("skipping inbound with malformed JSON column",
				"inbound_id", inboundModels[i].ID, "error", err)
			continue
		}
		result = append(result, entity)
	}
	return result, nil
}

// EffectiveAccounts flattens direct and group relations into one account set
// per inbound, active users only, direct relation winning on duplicates.
func (r *InboundRepository) EffectiveAccounts(ctx context.Context, inboundID uint) ([]inbound.Account, error) {
	type accountRow struct {
		UserID   uint
		Email    string
		UUID     string
		Password string
		Priority int
	}

	var direct []accountRow
	if err := r.db.WithContext(ctx).
		Table(models.UserInboundModel{}.TableName()+" AS ui").
		Select("u.id AS user_id, u.email, u.uuid, u.password, ui.priority").
		Joins("JOIN "+models.UserModel{}.TableName()+" AS u ON u.id = ui.user_id").
		Where("ui.inbound_id = ? AND ui.enabled = ? AND u.status = ?", inboundID, true, string(user.StatusActive)).
		Scan(&direct).Error; err != nil {
		return nil, fmt.Errorf("failed to load direct accounts: %w", err)
	}

	var grouped []accountRow
	if err := r.db.WithContext(ctx).
		Table(models.GroupInboundModel{}.TableName()+" AS gi").
		Select("u.id AS user_id, u.email, u.uuid, u.password, CASE WHEN gi.priority > 0 THEN gi.priority ELSE g.default_priority END AS priority").
		Joins("JOIN "+models.GroupModel{}.TableName()+" AS g ON g.id = gi.group_id AND g.enabled = ?", true).
		Joins("JOIN "+models.UserGroupModel{}.TableName()+" AS ug ON ug.group_id = gi.group_id").
		Joins("JOIN "+models.UserModel{}.TableName()+" AS u ON u.id = ug.user_id AND u.status = ?", string(user.StatusActive)).
		Where("gi.inbound_id = ? AND gi.enabled = ?", inboundID, true).
		Scan(&grouped).Error; err != nil {
		return nil, fmt.Errorf("failed to load group accounts: %w", err)
	}

	byUser := make(map[uint]inbound.Account, len(direct)+len(grouped))
	for _, row := range grouped {
		byUser[row.UserID] = inbound.Account{
			UserID:   row.UserID,
			Email:    row.Email,
			UUID:     row.UUID,
			Password: row.Password,
			Priority: row.Priority,
		}
	}
	for _, row := range direct {
		byUser[row.UserID] = inbound.Account{
			UserID:   row.UserID,
			Email:    row.Email,
			UUID:     row.UUID,
			Password: row.Password,
			Priority: row.Priority,
		}
	}

	accounts := make([]inbound.Account, 0, len(byUser))
	for _, acc := range byUser {
		accounts = append(accounts, acc)
	}
	sort.Slice(accounts, func(a, b int) bool {
		if accounts[a].Priority != accounts[b].Priority {
			return accounts[a].Priority < accounts[b].Priority
		}
		return accounts[a].UserID < accounts[b].UserID
	})
	return accounts, nil
}

func toInboundEntity(m *models.InboundModel) (*inbound.Inbound, error) {
	entity := &inbound.Inbound{
		ID:                m.ID,
		Tag:               m.Tag,
		Protocol:          inbound.Protocol(m.Protocol),
		Network:           inbound.Network(m.Network),
		Security:          inbound.Security(m.Security),
		Listen:            m.Listen,
		Port:              m.Port,
		Enabled:           m.Enabled,
		WSPath:            m.WSPath,
		WSHost:            m.WSHost,
		GRPCServiceName:   m.GRPCServiceName,
		XHTTPMode:         m.XHTTPMode,
		TLSCertFile:       m.TLSCertFile,
		TLSKeyFile:        m.TLSKeyFile,
		RealityPrivateKey: m.RealityPrivateKey,
		RealityPublicKey:  m.RealityPublicKey,
		RealityDest:       m.RealityDest,
		WGPrivateKey:      m.WGPrivateKey,
		WGPeerPubKey:      m.WGPeerPubKey,
		WGEndpoint:        m.WGEndpoint,
		WGMTU:             m.WGMTU,
		SSCipher:          m.SSCipher,
		DokodemoAddress:   m.DokodemoAddress,
		DokodemoPort:      m.DokodemoPort,
		DokodemoNetwork:   m.DokodemoNetwork,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}

	if err := decodeJSONColumn(m.RealityServerNames, &entity.RealityServerNames); err != nil {
		return nil, fmt.Errorf("reality server names: %w", err)
	}
	if err := decodeJSONColumn(m.RealityShortIDs, &entity.RealityShortIDs); err != nil {
		return nil, fmt.Errorf("reality short ids: %w", err)
	}
	if err := decodeJSONColumn(m.WGAddresses, &entity.WGAddresses); err != nil {
		return nil, fmt.Errorf("wireguard addresses: %w", err)
	}
	if err := decodeJSONColumn(m.Fallbacks, &entity.Fallbacks); err != nil {
		return nil, fmt.Errorf("fallbacks: %w", err)
	}
	return entity, nil
}

func decodeJSONColumn(raw []byte, out any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}
