package memory

import (
	"context"
	"fmt"

	"vaultledger/internal/model"
	"vaultledger/internal/repository"
)

type protocolRepo struct {
	s *Store
}

func (r *protocolRepo) Create(ctx context.Context, protocol *model.Protocol) error {
	return r.s.update(func(t *tables) error {
		if _, ok := t.vaults[protocol.VaultID]; !ok {
			return fmt.Errorf("%w: vault %d", repository.ErrNotFound, protocol.VaultID)
		}
		now := r.s.now()
		protocol.ID = t.nextID()
		protocol.CreatedAt = now
		protocol.UpdatedAt = now
		t.protocols[protocol.ID] = *protocol
		return nil
	})
}

func (r *protocolRepo) GetByID(ctx context.Context, id int64) (*model.Protocol, error) {
	var out *model.Protocol
	err := r.s.view(func(t *tables) error {
		p, ok := t.protocols[id]
		if !ok {
			return fmt.Errorf("%w: protocol %d", repository.ErrNotFound, id)
		}
		out = &p
		return nil
	})
	return out, err
}

func (r *protocolRepo) GetByIDForUpdate(ctx context.Context, id int64) (*model.Protocol, error) {
	return r.GetByID(ctx, id)
}

func (r *protocolRepo) ListByVault(ctx context.Context, vaultID int64, activeOnly bool) ([]*model.Protocol, error) {
	var out []*model.Protocol
	err := r.s.view(func(t *tables) error {
		for _, id := range sortedIDs(t.protocols) {
			p := t.protocols[id]
			if p.VaultID != vaultID || (activeOnly && !p.IsActive) {
				continue
			}
			out = append(out, &p)
		}
		return nil
	})
	return out, err
}

func (r *protocolRepo) Update(ctx context.Context, protocol *model.Protocol) error {
	return r.s.update(func(t *tables) error {
		current, ok := t.protocols[protocol.ID]
		if !ok {
			return fmt.Errorf("%w: protocol %d", repository.ErrNotFound, protocol.ID)
		}
		if current.Version != protocol.Version {
			return repository.ErrOptimisticLock
		}
		protocol.Version++
		protocol.UpdatedAt = r.s.now()
		protocol.CreatedAt = current.CreatedAt
		protocol.VaultID = current.VaultID
		protocol.Address = current.Address
		t.protocols[protocol.ID] = *protocol
		return nil
	})
}
