package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"vaultledger/internal/model"
	"vaultledger/internal/repository"
)

type transactionRepo struct {
	s *Store
}

func hashTaken(t *tables, hash string, exceptID int64) bool {
	for id, tr := range t.transactions {
		if id != exceptID && tr.TxHash != nil && *tr.TxHash == hash {
			return true
		}
	}
	return false
}

func (r *transactionRepo) Create(ctx context.Context, trans *model.Transaction) error {
	return r.s.update(func(t *tables) error {
		for _, tr := range t.transactions {
			if tr.TransactionNo == trans.TransactionNo {
				return fmt.Errorf("%w: transaction %s", repository.ErrDuplicate, trans.TransactionNo)
			}
		}
		if trans.TxHash != nil && hashTaken(t, *trans.TxHash, 0) {
			return fmt.Errorf("%w: tx_hash %s", repository.ErrDuplicate, *trans.TxHash)
		}
		now := r.s.now()
		trans.ID = t.nextID()
		trans.CreatedAt = now
		trans.UpdatedAt = now
		t.transactions[trans.ID] = *trans
		return nil
	})
}

func (r *transactionRepo) GetByID(ctx context.Context, id int64) (*model.Transaction, error) {
	var out *model.Transaction
	err := r.s.view(func(t *tables) error {
		tr, ok := t.transactions[id]
		if !ok {
			return fmt.Errorf("%w: transaction %d", repository.ErrNotFound, id)
		}
		out = &tr
		return nil
	})
	return out, err
}

func (r *transactionRepo) GetByHash(ctx context.Context, hash string) (*model.Transaction, error) {
	var out *model.Transaction
	err := r.s.view(func(t *tables) error {
		for _, tr := range t.transactions {
			if tr.TxHash != nil && *tr.TxHash == hash {
				tr := tr
				out = &tr
				return nil
			}
		}
		return fmt.Errorf("%w: tx_hash %s", repository.ErrNotFound, hash)
	})
	return out, err
}

func (r *transactionRepo) RecordBroadcast(ctx context.Context, id int64, upd repository.TransactionUpdate) error {
	return r.s.update(func(t *tables) error {
		tr, ok := t.transactions[id]
		if !ok {
			return fmt.Errorf("%w: transaction %d", repository.ErrNotFound, id)
		}
		if tr.Status != model.TransactionStatusPending {
			return repository.ErrStatusConflict
		}
		if upd.TxHash != nil && hashTaken(t, *upd.TxHash, id) {
			return fmt.Errorf("%w: tx_hash %s", repository.ErrDuplicate, *upd.TxHash)
		}
		upd.Apply(&tr)
		tr.UpdatedAt = r.s.now()
		t.transactions[id] = tr
		return nil
	})
}

func (r *transactionRepo) UpdateStatus(ctx context.Context, id int64, from, to model.TransactionStatus, upd repository.TransactionUpdate) error {
	if !from.CanTransitionTo(to) {
		return repository.ErrStatusConflict
	}
	return r.s.update(func(t *tables) error {
		tr, ok := t.transactions[id]
		if !ok {
			return fmt.Errorf("%w: transaction %d", repository.ErrNotFound, id)
		}
		if tr.Status != from {
			return repository.ErrStatusConflict
		}
		if upd.TxHash != nil && hashTaken(t, *upd.TxHash, id) {
			return fmt.Errorf("%w: tx_hash %s", repository.ErrDuplicate, *upd.TxHash)
		}
		upd.Apply(&tr)
		tr.Status = to
		tr.UpdatedAt = r.s.now()
		t.transactions[id] = tr
		return nil
	})
}

func (r *transactionRepo) ListByStatus(ctx context.Context, status model.TransactionStatus, updatedBefore time.Time, limit int) ([]*model.Transaction, error) {
	var out []*model.Transaction
	err := r.s.view(func(t *tables) error {
		for _, id := range sortedIDs(t.transactions) {
			tr := t.transactions[id]
			if tr.Status != status || !tr.UpdatedAt.Before(updatedBefore) {
				continue
			}
			out = append(out, &tr)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (r *transactionRepo) ListByVault(ctx context.Context, vaultID int64, page, pageSize int) ([]*model.Transaction, int64, error) {
	var all []*model.Transaction
	err := r.s.view(func(t *tables) error {
		for _, tr := range t.transactions {
			if tr.VaultID == vaultID {
				tr := tr
				all = append(all, &tr)
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	total := int64(len(all))
	start := (page - 1) * pageSize
	if start < 0 || start >= len(all) {
		return []*model.Transaction{}, total, nil
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], total, nil
}

func (r *transactionRepo) CountByVault(ctx context.Context, vaultID int64, typ model.TransactionType, status model.TransactionStatus) (int64, error) {
	var count int64
	err := r.s.view(func(t *tables) error {
		for _, tr := range t.transactions {
			if tr.VaultID == vaultID && tr.Type == typ && tr.Status == status {
				count++
			}
		}
		return nil
	})
	return count, err
}
