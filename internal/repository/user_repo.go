package repository

import (
	"context"
	"errors"

	"vaultledger/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type userRepo struct {
	db *gorm.DB
}

func (r *userRepo) GetByID(ctx context.Context, id int64) (*model.User, error) {
	var user model.User
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&user).Error; err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

func (r *userRepo) GetByAddress(ctx context.Context, walletAddress string) (*model.User, error) {
	var user model.User
	if err := r.db.WithContext(ctx).Where("wallet_address = ?", walletAddress).First(&user).Error; err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

// GetOrCreate 并发创建同一地址时依赖唯一索引，冲突后重新查询
func (r *userRepo) GetOrCreate(ctx context.Context, walletAddress string) (*model.User, error) {
	user, err := r.GetByAddress(ctx, walletAddress)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "wallet_address"}},
			DoNothing: true,
		}).
		Create(&model.User{WalletAddress: walletAddress}).Error
	if err != nil {
		return nil, translate(err)
	}

	return r.GetByAddress(ctx, walletAddress)
}
