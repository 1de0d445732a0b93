package repository

import (
	"context"

	"vaultledger/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type vaultRepo struct {
	db *gorm.DB
}

func (r *vaultRepo) Create(ctx context.Context, vault *model.Vault) error {
	return translate(r.db.WithContext(ctx).Create(vault).Error)
}

func (r *vaultRepo) GetByID(ctx context.Context, id int64) (*model.Vault, error) {
	var vault model.Vault
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&vault).Error; err != nil {
		return nil, translate(err)
	}
	return &vault, nil
}

func (r *vaultRepo) GetByIDForUpdate(ctx context.Context, id int64) (*model.Vault, error) {
	var vault model.Vault
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&vault).Error
	if err != nil {
		return nil, translate(err)
	}
	return &vault, nil
}

func (r *vaultRepo) GetByAddress(ctx context.Context, address string) (*model.Vault, error) {
	var vault model.Vault
	if err := r.db.WithContext(ctx).Where("address = ?", address).First(&vault).Error; err != nil {
		return nil, translate(err)
	}
	return &vault, nil
}

func (r *vaultRepo) List(ctx context.Context, activeOnly bool) ([]*model.Vault, error) {
	var vaults []*model.Vault
	query := r.db.WithContext(ctx).Model(&model.Vault{})
	if activeOnly {
		query = query.Where("is_active = ?", true)
	}
	err := query.Order("id ASC").Find(&vaults).Error
	return vaults, err
}

func (r *vaultRepo) Update(ctx context.Context, vault *model.Vault) error {
	result := r.db.WithContext(ctx).
		Model(&model.Vault{}).
		Where("id = ? AND version = ?", vault.ID, vault.Version).
		Updates(map[string]interface{}{
			"name":            vault.Name,
			"description":     vault.Description,
			"manager_address": vault.ManagerAddress,
			"total_deposits":  vault.TotalDeposits,
			"total_allocated": vault.TotalAllocated,
			"total_yield":     vault.TotalYield,
			"tvl":             vault.TVL,
			"is_active":       vault.IsActive,
			"version":         gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return translate(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrOptimisticLock
	}
	vault.Version++
	return nil
}
