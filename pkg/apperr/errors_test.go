package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOf_WrappedSentinel(t *testing.T) {
	err := fmt.Errorf("查询余额: %w", fmt.Errorf("%w: vault=0x01", ErrRPCUnavailable))

	require.Equal(t, KindRPCUnavailable, KindOf(err))
	require.True(t, errors.Is(err, ErrRPCUnavailable))
	require.True(t, IsRetryable(err))
	require.False(t, IsIndeterminate(err))
	require.Equal(t, CodeRPCUnavailable, Code(err))
}

func TestKindOf_PlainErrorIsInternal(t *testing.T) {
	err := errors.New("boom")

	require.Equal(t, KindInternal, KindOf(err))
	require.Equal(t, CodeInternal, Code(err))
	require.Equal(t, Kind(""), KindOf(nil))
	require.Equal(t, CodeSuccess, Code(nil))
}

func TestIndeterminateHasDistinctCode(t *testing.T) {
	err := fmt.Errorf("%w: 等待确认超时", ErrTransactionFailed)

	require.True(t, IsIndeterminate(err))
	require.NotEqual(t, Code(err), Code(ErrContractCall))
	require.False(t, IsPrecondition(err))
	require.True(t, IsPrecondition(ErrInsufficientFunds))
}
