package repository

import (
	"context"

	"vaultledger/internal/model"

	"gorm.io/gorm"
)

type snapshotRepo struct {
	db *gorm.DB
}

func (r *snapshotRepo) Create(ctx context.Context, snapshot *model.ProtocolSnapshot) error {
	return r.db.WithContext(ctx).Create(snapshot).Error
}

func (r *snapshotRepo) ListByProtocol(ctx context.Context, protocolID int64, limit int) ([]*model.ProtocolSnapshot, error) {
	var snapshots []*model.ProtocolSnapshot
	err := r.db.WithContext(ctx).
		Where("protocol_id = ?", protocolID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&snapshots).Error
	return snapshots, err
}
