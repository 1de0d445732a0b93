package repository

import (
	"context"

	"vaultledger/internal/model"

	"gorm.io/gorm"
)

type withdrawalRepo struct {
	db *gorm.DB
}

func (r *withdrawalRepo) Create(ctx context.Context, req *model.WithdrawalRequest) error {
	return translate(r.db.WithContext(ctx).Create(req).Error)
}

func (r *withdrawalRepo) GetByID(ctx context.Context, id int64) (*model.WithdrawalRequest, error) {
	var req model.WithdrawalRequest
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&req).Error; err != nil {
		return nil, translate(err)
	}
	return &req, nil
}

func (r *withdrawalRepo) GetByQueueIndex(ctx context.Context, vaultID int64, queueIndex uint64) (*model.WithdrawalRequest, error) {
	var req model.WithdrawalRequest
	err := r.db.WithContext(ctx).
		Where("vault_id = ? AND queue_index = ?", vaultID, queueIndex).
		First(&req).Error
	if err != nil {
		return nil, translate(err)
	}
	return &req, nil
}

func (r *withdrawalRepo) UpdateStatus(ctx context.Context, id int64, from, to model.WithdrawalStatus, upd WithdrawalUpdate) error {
	if !from.CanTransitionTo(to) {
		return ErrStatusConflict
	}

	cols := upd.columns()
	cols["status"] = to

	result := r.db.WithContext(ctx).
		Model(&model.WithdrawalRequest{}).
		Where("id = ? AND status = ?", id, from).
		Updates(cols)
	if result.Error != nil {
		return translate(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrStatusConflict
	}
	return nil
}

func (r *withdrawalRepo) ListByStatus(ctx context.Context, status model.WithdrawalStatus, limit int) ([]*model.WithdrawalRequest, error) {
	var reqs []*model.WithdrawalRequest
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("queue_index ASC").
		Limit(limit).
		Find(&reqs).Error
	return reqs, err
}

func (r *withdrawalRepo) ListByVault(ctx context.Context, vaultID, userID int64) ([]*model.WithdrawalRequest, error) {
	var reqs []*model.WithdrawalRequest
	query := r.db.WithContext(ctx).Where("vault_id = ?", vaultID)
	if userID != 0 {
		query = query.Where("user_id = ?", userID)
	}
	err := query.Order("queue_index ASC").Find(&reqs).Error
	return reqs, err
}
