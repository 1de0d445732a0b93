package memory

import (
	"context"
	"fmt"

	"vaultledger/internal/model"
	"vaultledger/internal/repository"

	"github.com/shopspring/decimal"
)

type userRepo struct {
	s *Store
}

func (r *userRepo) GetOrCreate(ctx context.Context, walletAddress string) (*model.User, error) {
	var out *model.User
	err := r.s.update(func(t *tables) error {
		for _, u := range t.users {
			if u.WalletAddress == walletAddress {
				u := u
				out = &u
				return nil
			}
		}
		now := r.s.now()
		u := model.User{ID: t.nextID(), WalletAddress: walletAddress, CreatedAt: now, UpdatedAt: now}
		t.users[u.ID] = u
		out = &u
		return nil
	})
	return out, err
}

func (r *userRepo) GetByID(ctx context.Context, id int64) (*model.User, error) {
	var out *model.User
	err := r.s.view(func(t *tables) error {
		u, ok := t.users[id]
		if !ok {
			return fmt.Errorf("%w: user %d", repository.ErrNotFound, id)
		}
		out = &u
		return nil
	})
	return out, err
}

func (r *userRepo) GetByAddress(ctx context.Context, walletAddress string) (*model.User, error) {
	var out *model.User
	err := r.s.view(func(t *tables) error {
		for _, u := range t.users {
			if u.WalletAddress == walletAddress {
				u := u
				out = &u
				return nil
			}
		}
		return fmt.Errorf("%w: user %s", repository.ErrNotFound, walletAddress)
	})
	return out, err
}

type balanceRepo struct {
	s *Store
}

func findBalance(t *tables, vaultID, userID int64) (model.VaultUserBalance, bool) {
	for _, b := range t.balances {
		if b.VaultID == vaultID && b.UserID == userID {
			return b, true
		}
	}
	return model.VaultUserBalance{}, false
}

func (r *balanceRepo) Get(ctx context.Context, vaultID, userID int64) (*model.VaultUserBalance, error) {
	var out *model.VaultUserBalance
	err := r.s.view(func(t *tables) error {
		b, ok := findBalance(t, vaultID, userID)
		if !ok {
			return fmt.Errorf("%w: balance vault=%d user=%d", repository.ErrNotFound, vaultID, userID)
		}
		out = &b
		return nil
	})
	return out, err
}

func (r *balanceRepo) GetOrCreate(ctx context.Context, vaultID, userID int64) (*model.VaultUserBalance, error) {
	var out *model.VaultUserBalance
	err := r.s.update(func(t *tables) error {
		if b, ok := findBalance(t, vaultID, userID); ok {
			out = &b
			return nil
		}
		now := r.s.now()
		b := model.VaultUserBalance{
			ID:        t.nextID(),
			VaultID:   vaultID,
			UserID:    userID,
			Balance:   decimal.Zero,
			CreatedAt: now,
			UpdatedAt: now,
		}
		t.balances[b.ID] = b
		out = &b
		return nil
	})
	return out, err
}

func (r *balanceRepo) Update(ctx context.Context, balance *model.VaultUserBalance) error {
	return r.s.update(func(t *tables) error {
		current, ok := t.balances[balance.ID]
		if !ok {
			return fmt.Errorf("%w: balance %d", repository.ErrNotFound, balance.ID)
		}
		if current.Version != balance.Version {
			return repository.ErrOptimisticLock
		}
		current.Balance = balance.Balance
		current.Version++
		current.UpdatedAt = r.s.now()
		t.balances[balance.ID] = current
		balance.Version = current.Version
		balance.UpdatedAt = current.UpdatedAt
		return nil
	})
}

func (r *balanceRepo) ListByVault(ctx context.Context, vaultID int64) ([]*model.VaultUserBalance, error) {
	var out []*model.VaultUserBalance
	err := r.s.view(func(t *tables) error {
		for _, id := range sortedIDs(t.balances) {
			b := t.balances[id]
			if b.VaultID == vaultID {
				out = append(out, &b)
			}
		}
		return nil
	})
	return out, err
}

func (r *balanceRepo) SumByVault(ctx context.Context, vaultID int64) (decimal.Decimal, error) {
	sum := decimal.Zero
	err := r.s.view(func(t *tables) error {
		for _, b := range t.balances {
			if b.VaultID == vaultID {
				sum = sum.Add(b.Balance)
			}
		}
		return nil
	})
	return sum, err
}

func (r *balanceRepo) CountByVault(ctx context.Context, vaultID int64) (int64, error) {
	var count int64
	err := r.s.view(func(t *tables) error {
		for _, b := range t.balances {
			if b.VaultID == vaultID {
				count++
			}
		}
		return nil
	})
	return count, err
}
