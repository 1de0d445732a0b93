package memory

import (
	"context"
	"fmt"

	"vaultledger/internal/model"
	"vaultledger/internal/repository"
)

type vaultRepo struct {
	s *Store
}

func (r *vaultRepo) Create(ctx context.Context, vault *model.Vault) error {
	return r.s.update(func(t *tables) error {
		for _, v := range t.vaults {
			if v.Address == vault.Address {
				return fmt.Errorf("%w: vault %s", repository.ErrDuplicate, vault.Address)
			}
		}
		now := r.s.now()
		vault.ID = t.nextID()
		vault.CreatedAt = now
		vault.UpdatedAt = now
		t.vaults[vault.ID] = *vault
		return nil
	})
}

func (r *vaultRepo) GetByID(ctx context.Context, id int64) (*model.Vault, error) {
	var out *model.Vault
	err := r.s.view(func(t *tables) error {
		v, ok := t.vaults[id]
		if !ok {
			return fmt.Errorf("%w: vault %d", repository.ErrNotFound, id)
		}
		out = &v
		return nil
	})
	return out, err
}

func (r *vaultRepo) GetByIDForUpdate(ctx context.Context, id int64) (*model.Vault, error) {
	return r.GetByID(ctx, id)
}

func (r *vaultRepo) GetByAddress(ctx context.Context, address string) (*model.Vault, error) {
	var out *model.Vault
	err := r.s.view(func(t *tables) error {
		for _, v := range t.vaults {
			if v.Address == address {
				v := v
				out = &v
				return nil
			}
		}
		return fmt.Errorf("%w: vault %s", repository.ErrNotFound, address)
	})
	return out, err
}

func (r *vaultRepo) List(ctx context.Context, activeOnly bool) ([]*model.Vault, error) {
	var out []*model.Vault
	err := r.s.view(func(t *tables) error {
		for _, id := range sortedIDs(t.vaults) {
			v := t.vaults[id]
			if activeOnly && !v.IsActive {
				continue
			}
			out = append(out, &v)
		}
		return nil
	})
	return out, err
}

func (r *vaultRepo) Update(ctx context.Context, vault *model.Vault) error {
	return r.s.update(func(t *tables) error {
		current, ok := t.vaults[vault.ID]
		if !ok {
			return fmt.Errorf("%w: vault %d", repository.ErrNotFound, vault.ID)
		}
		if current.Version != vault.Version {
			return repository.ErrOptimisticLock
		}
		vault.Version++
		vault.UpdatedAt = r.s.now()
		vault.CreatedAt = current.CreatedAt
		vault.Address = current.Address
		vault.AssetAddress = current.AssetAddress
		vault.AssetDecimals = current.AssetDecimals
		t.vaults[vault.ID] = *vault
		return nil
	})
}
