package job_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"vaultledger/internal/config"
	"vaultledger/internal/infrastructure/mq"
	"vaultledger/internal/job"
	"vaultledger/internal/model"
	"vaultledger/internal/repository/memory"
	"vaultledger/internal/service"
	"vaultledger/pkg/metrics"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func jobConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Business.ReconcileIntervalSeconds = 30
	cfg.Business.ReconcileMinAgeSeconds = 60
	cfg.Business.ReadinessPollSeconds = 60
	cfg.Business.SnapshotIntervalMinutes = 60
	cfg.Business.MaxRetryCount = 2
	return cfg
}

func TestOutboxSender_RetryThenFail(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	for _, key := range []string{"evt-1", "evt-2"} {
		require.NoError(t, store.Outbox().Create(ctx, &model.OutboxMessage{
			MessageKey: key,
			Topic:      "vault_ledger_events",
			Event:      model.EventDepositCompleted,
			Payload:    `{"key":"` + key + `"}`,
		}))
	}

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndSucceed()
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	pub := mq.NewKafkaPublisherFromProducer(producer)

	sender := job.NewOutboxSender(store, pub, jobConfig(), metrics.New(), zaptest.NewLogger(t))

	require.Equal(t, 1, sender.RunOnce(ctx))
	pending, err := store.Outbox().GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "evt-2", pending[0].MessageKey)
	require.Equal(t, 1, pending[0].RetryCount)

	// 第二次失败达到上限，不再重试
	require.Equal(t, 0, sender.RunOnce(ctx))
	pending, err = store.Outbox().GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)

	require.Equal(t, 0, sender.RunOnce(ctx))
	require.NoError(t, pub.Close())
}

type stubReconciler struct {
	minAge time.Duration
	calls  int32
	err    error
}

func (s *stubReconciler) ReconcileStale(ctx context.Context, minAge time.Duration, limit int) (service.ReconcileSummary, error) {
	atomic.AddInt32(&s.calls, 1)
	s.minAge = minAge
	return service.ReconcileSummary{service.ReconcileSettled: 2, service.ReconcilePending: 1}, s.err
}

func TestReconcileJob_RunOnce(t *testing.T) {
	rec := &stubReconciler{}
	j := job.NewReconcileJob(rec, jobConfig(), zaptest.NewLogger(t))

	summary := j.RunOnce(context.Background())
	require.Equal(t, 2, summary[service.ReconcileSettled])
	require.Equal(t, time.Minute, rec.minAge)

	// 扫描出错时仍返回已处理部分
	rec.err = errors.New("db down")
	summary = j.RunOnce(context.Background())
	require.Equal(t, 1, summary[service.ReconcilePending])
}

type stubPoller struct {
	promoted int
	err      error
}

func (s *stubPoller) PollReadiness(ctx context.Context, limit int) (int, error) {
	return s.promoted, s.err
}

func TestWithdrawalReadinessJob_RunOnce(t *testing.T) {
	j := job.NewWithdrawalReadinessJob(&stubPoller{promoted: 3}, jobConfig(), zaptest.NewLogger(t))
	require.Equal(t, 3, j.RunOnce(context.Background()))

	j = job.NewWithdrawalReadinessJob(&stubPoller{err: errors.New("rpc down")}, jobConfig(), zaptest.NewLogger(t))
	require.Equal(t, 0, j.RunOnce(context.Background()))
}

type snapshotFunc func(ctx context.Context) (int, error)

func (f snapshotFunc) TakeProtocolSnapshots(ctx context.Context) (int, error) { return f(ctx) }

func TestProtocolSnapshotJob_RunOnce(t *testing.T) {
	j := job.NewProtocolSnapshotJob(snapshotFunc(func(ctx context.Context) (int, error) {
		return 4, nil
	}), jobConfig(), zaptest.NewLogger(t))
	require.Equal(t, 4, j.RunOnce(context.Background()))
}

func TestJob_StartStops(t *testing.T) {
	rec := &stubReconciler{}
	j := job.NewReconcileJob(rec, jobConfig(), zaptest.NewLogger(t))

	done := make(chan struct{})
	go func() {
		j.Start(context.Background())
		close(done)
	}()
	j.Stop()
	j.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job did not stop")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	j = job.NewReconcileJob(rec, jobConfig(), zaptest.NewLogger(t))
	j.Start(ctx)
}
