package memory

import (
	"context"
	"fmt"
	"sort"

	"vaultledger/internal/model"
	"vaultledger/internal/repository"
)

type withdrawalRepo struct {
	s *Store
}

func (r *withdrawalRepo) Create(ctx context.Context, req *model.WithdrawalRequest) error {
	return r.s.update(func(t *tables) error {
		for _, w := range t.withdrawals {
			if w.VaultID == req.VaultID && w.QueueIndex == req.QueueIndex {
				return fmt.Errorf("%w: vault=%d queue_index=%d", repository.ErrDuplicate, req.VaultID, req.QueueIndex)
			}
		}
		now := r.s.now()
		req.ID = t.nextID()
		req.CreatedAt = now
		req.UpdatedAt = now
		t.withdrawals[req.ID] = *req
		return nil
	})
}

func (r *withdrawalRepo) GetByID(ctx context.Context, id int64) (*model.WithdrawalRequest, error) {
	var out *model.WithdrawalRequest
	err := r.s.view(func(t *tables) error {
		w, ok := t.withdrawals[id]
		if !ok {
			return fmt.Errorf("%w: withdrawal %d", repository.ErrNotFound, id)
		}
		out = &w
		return nil
	})
	return out, err
}

func (r *withdrawalRepo) GetByQueueIndex(ctx context.Context, vaultID int64, queueIndex uint64) (*model.WithdrawalRequest, error) {
	var out *model.WithdrawalRequest
	err := r.s.view(func(t *tables) error {
		for _, w := range t.withdrawals {
			if w.VaultID == vaultID && w.QueueIndex == queueIndex {
				w := w
				out = &w
				return nil
			}
		}
		return fmt.Errorf("%w: vault=%d queue_index=%d", repository.ErrNotFound, vaultID, queueIndex)
	})
	return out, err
}

func (r *withdrawalRepo) UpdateStatus(ctx context.Context, id int64, from, to model.WithdrawalStatus, upd repository.WithdrawalUpdate) error {
	if !from.CanTransitionTo(to) {
		return repository.ErrStatusConflict
	}
	return r.s.update(func(t *tables) error {
		w, ok := t.withdrawals[id]
		if !ok {
			return fmt.Errorf("%w: withdrawal %d", repository.ErrNotFound, id)
		}
		if w.Status != from {
			return repository.ErrStatusConflict
		}
		upd.Apply(&w)
		w.Status = to
		w.UpdatedAt = r.s.now()
		t.withdrawals[id] = w
		return nil
	})
}

func (r *withdrawalRepo) ListByStatus(ctx context.Context, status model.WithdrawalStatus, limit int) ([]*model.WithdrawalRequest, error) {
	var out []*model.WithdrawalRequest
	err := r.s.view(func(t *tables) error {
		for _, w := range t.withdrawals {
			if w.Status == status {
				w := w
				out = append(out, &w)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].QueueIndex < out[j].QueueIndex })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

func (r *withdrawalRepo) ListByVault(ctx context.Context, vaultID, userID int64) ([]*model.WithdrawalRequest, error) {
	var out []*model.WithdrawalRequest
	err := r.s.view(func(t *tables) error {
		for _, w := range t.withdrawals {
			if w.VaultID == vaultID && (userID == 0 || w.UserID == userID) {
				w := w
				out = append(out, &w)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].QueueIndex < out[j].QueueIndex })
	return out, err
}
