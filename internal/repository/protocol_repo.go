package repository

import (
	"context"

	"vaultledger/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type protocolRepo struct {
	db *gorm.DB
}

func (r *protocolRepo) Create(ctx context.Context, protocol *model.Protocol) error {
	return translate(r.db.WithContext(ctx).Create(protocol).Error)
}

func (r *protocolRepo) GetByID(ctx context.Context, id int64) (*model.Protocol, error) {
	var protocol model.Protocol
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&protocol).Error; err != nil {
		return nil, translate(err)
	}
	return &protocol, nil
}

func (r *protocolRepo) GetByIDForUpdate(ctx context.Context, id int64) (*model.Protocol, error) {
	var protocol model.Protocol
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&protocol).Error
	if err != nil {
		return nil, translate(err)
	}
	return &protocol, nil
}

func (r *protocolRepo) ListByVault(ctx context.Context, vaultID int64, activeOnly bool) ([]*model.Protocol, error) {
	var protocols []*model.Protocol
	query := r.db.WithContext(ctx).Where("vault_id = ?", vaultID)
	if activeOnly {
		query = query.Where("is_active = ?", true)
	}
	err := query.Order("id ASC").Find(&protocols).Error
	return protocols, err
}

func (r *protocolRepo) Update(ctx context.Context, protocol *model.Protocol) error {
	result := r.db.WithContext(ctx).
		Model(&model.Protocol{}).
		Where("id = ? AND version = ?", protocol.ID, protocol.Version).
		Updates(map[string]interface{}{
			"name":             protocol.Name,
			"description":      protocol.Description,
			"allocated_amount": protocol.AllocatedAmount,
			"apy":              protocol.APY,
			"risk_level":       protocol.RiskLevel,
			"is_active":        protocol.IsActive,
			"version":          gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return translate(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrOptimisticLock
	}
	protocol.Version++
	return nil
}
