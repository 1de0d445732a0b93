package repository

import (
	"context"
	"errors"

	"vaultledger/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type balanceRepo struct {
	db *gorm.DB
}

func (r *balanceRepo) Get(ctx context.Context, vaultID, userID int64) (*model.VaultUserBalance, error) {
	var balance model.VaultUserBalance
	err := r.db.WithContext(ctx).
		Where("vault_id = ? AND user_id = ?", vaultID, userID).
		First(&balance).Error
	if err != nil {
		return nil, translate(err)
	}
	return &balance, nil
}

func (r *balanceRepo) GetOrCreate(ctx context.Context, vaultID, userID int64) (*model.VaultUserBalance, error) {
	balance, err := r.Get(ctx, vaultID, userID)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "vault_id"}, {Name: "user_id"}},
			DoNothing: true,
		}).
		Create(&model.VaultUserBalance{VaultID: vaultID, UserID: userID, Balance: decimal.Zero}).Error
	if err != nil {
		return nil, translate(err)
	}

	return r.Get(ctx, vaultID, userID)
}

func (r *balanceRepo) Update(ctx context.Context, balance *model.VaultUserBalance) error {
	result := r.db.WithContext(ctx).
		Model(&model.VaultUserBalance{}).
		Where("id = ? AND version = ?", balance.ID, balance.Version).
		Updates(map[string]interface{}{
			"balance": balance.Balance,
			"version": gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return translate(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrOptimisticLock
	}
	balance.Version++
	return nil
}

func (r *balanceRepo) ListByVault(ctx context.Context, vaultID int64) ([]*model.VaultUserBalance, error) {
	var balances []*model.VaultUserBalance
	err := r.db.WithContext(ctx).
		Where("vault_id = ?", vaultID).
		Order("id ASC").
		Find(&balances).Error
	return balances, err
}

func (r *balanceRepo) SumByVault(ctx context.Context, vaultID int64) (decimal.Decimal, error) {
	sum := decimal.Zero
	row := r.db.WithContext(ctx).
		Model(&model.VaultUserBalance{}).
		Where("vault_id = ?", vaultID).
		Select("COALESCE(SUM(balance), 0)").
		Row()
	if err := row.Scan(&sum); err != nil {
		return decimal.Zero, err
	}
	return sum, nil
}

func (r *balanceRepo) CountByVault(ctx context.Context, vaultID int64) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.VaultUserBalance{}).
		Where("vault_id = ?", vaultID).
		Count(&count).Error
	return count, err
}
