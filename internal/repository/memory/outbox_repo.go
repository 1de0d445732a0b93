package memory

import (
	"context"
	"fmt"

	"vaultledger/internal/model"
	"vaultledger/internal/repository"
)

type outboxRepo struct {
	s *Store
}

func (r *outboxRepo) Create(ctx context.Context, msg *model.OutboxMessage) error {
	return r.s.update(func(t *tables) error {
		now := r.s.now()
		msg.ID = t.nextID()
		if msg.Status == "" {
			msg.Status = model.OutboxStatusPending
		}
		msg.CreatedAt = now
		msg.UpdatedAt = now
		t.outbox[msg.ID] = *msg
		return nil
	})
}

func (r *outboxRepo) GetPendingMessages(ctx context.Context, limit int) ([]*model.OutboxMessage, error) {
	var out []*model.OutboxMessage
	err := r.s.view(func(t *tables) error {
		for _, id := range sortedIDs(t.outbox) {
			m := t.outbox[id]
			if m.Status != model.OutboxStatusPending {
				continue
			}
			out = append(out, &m)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (r *outboxRepo) mutate(id int64, fn func(m *model.OutboxMessage)) error {
	return r.s.update(func(t *tables) error {
		m, ok := t.outbox[id]
		if !ok {
			return fmt.Errorf("%w: outbox %d", repository.ErrNotFound, id)
		}
		fn(&m)
		m.UpdatedAt = r.s.now()
		t.outbox[id] = m
		return nil
	})
}

func (r *outboxRepo) UpdateStatus(ctx context.Context, id int64, status string) error {
	return r.mutate(id, func(m *model.OutboxMessage) { m.Status = status })
}

func (r *outboxRepo) IncrementRetryCount(ctx context.Context, id int64) error {
	return r.mutate(id, func(m *model.OutboxMessage) { m.RetryCount++ })
}

func (r *outboxRepo) MarkAsFailed(ctx context.Context, id int64) error {
	return r.mutate(id, func(m *model.OutboxMessage) { m.Status = model.OutboxStatusFailed })
}

type snapshotRepo struct {
	s *Store
}

func (r *snapshotRepo) Create(ctx context.Context, snapshot *model.ProtocolSnapshot) error {
	return r.s.update(func(t *tables) error {
		snapshot.ID = t.nextID()
		snapshot.CreatedAt = r.s.now()
		t.snapshots[snapshot.ID] = *snapshot
		return nil
	})
}

func (r *snapshotRepo) ListByProtocol(ctx context.Context, protocolID int64, limit int) ([]*model.ProtocolSnapshot, error) {
	var out []*model.ProtocolSnapshot
	err := r.s.view(func(t *tables) error {
		ids := sortedIDs(t.snapshots)
		for i := len(ids) - 1; i >= 0; i-- {
			sn := t.snapshots[ids[i]]
			if sn.ProtocolID != protocolID {
				continue
			}
			out = append(out, &sn)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}
