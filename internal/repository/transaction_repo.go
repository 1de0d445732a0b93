package repository

import (
	"context"
	"time"

	"vaultledger/internal/model"

	"gorm.io/gorm"
)

type transactionRepo struct {
	db *gorm.DB
}

func (r *transactionRepo) Create(ctx context.Context, trans *model.Transaction) error {
	return translate(r.db.WithContext(ctx).Create(trans).Error)
}

func (r *transactionRepo) GetByID(ctx context.Context, id int64) (*model.Transaction, error) {
	var trans model.Transaction
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&trans).Error; err != nil {
		return nil, translate(err)
	}
	return &trans, nil
}

func (r *transactionRepo) GetByHash(ctx context.Context, hash string) (*model.Transaction, error) {
	var trans model.Transaction
	if err := r.db.WithContext(ctx).Where("tx_hash = ?", hash).First(&trans).Error; err != nil {
		return nil, translate(err)
	}
	return &trans, nil
}

func (r *transactionRepo) RecordBroadcast(ctx context.Context, id int64, upd TransactionUpdate) error {
	cols := upd.columns()
	if len(cols) == 0 {
		return nil
	}
	result := r.db.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("id = ? AND status = ?", id, model.TransactionStatusPending).
		Updates(cols)
	if result.Error != nil {
		return translate(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrStatusConflict
	}
	return nil
}

func (r *transactionRepo) UpdateStatus(ctx context.Context, id int64, from, to model.TransactionStatus, upd TransactionUpdate) error {
	if !from.CanTransitionTo(to) {
		return ErrStatusConflict
	}

	cols := upd.columns()
	cols["status"] = to

	result := r.db.WithContext(ctx).
		Model(&model.Transaction{}).
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

func (r *transactionRepo) ListByStatus(ctx context.Context, status model.TransactionStatus, updatedBefore time.Time, limit int) ([]*model.Transaction, error) {
	var transactions []*model.Transaction
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", status, updatedBefore).
		Order("id ASC").
		Limit(limit).
		Find(&transactions).Error
	return transactions, err
}

func (r *transactionRepo) ListByVault(ctx context.Context, vaultID int64, page, pageSize int) ([]*model.Transaction, int64, error) {
	var transactions []*model.Transaction
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Transaction{}).Where("vault_id = ?", vaultID)

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&transactions).Error

	return transactions, total, err
}

func (r *transactionRepo) CountByVault(ctx context.Context, vaultID int64, typ model.TransactionType, status model.TransactionStatus) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("vault_id = ? AND type = ? AND status = ?", vaultID, typ, status).
		Count(&count).Error
	return count, err
}
