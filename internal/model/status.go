package model

import (
	"database/sql/driver"
	"fmt"
)

// ============================================================================
// 交易状态
// ============================================================================

type TransactionStatus string

const (
	TransactionStatusPending    TransactionStatus = "pending"
	TransactionStatusProcessing TransactionStatus = "processing"
	TransactionStatusCompleted  TransactionStatus = "completed"
	TransactionStatusFailed     TransactionStatus = "failed"
	TransactionStatusCancelled  TransactionStatus = "cancelled"
)

// pending: 已创建未广播；processing: 已广播等待确认；其余为终态
var ValidTransactionTransitions = map[TransactionStatus][]TransactionStatus{
	TransactionStatusPending:    {TransactionStatusProcessing, TransactionStatusFailed, TransactionStatusCancelled},
	TransactionStatusProcessing: {TransactionStatusCompleted, TransactionStatusFailed},
}

func (s TransactionStatus) Valid() bool {
	switch s {
	case TransactionStatusPending, TransactionStatusProcessing, TransactionStatusCompleted,
		TransactionStatusFailed, TransactionStatusCancelled:
		return true
	}
	return false
}

func (s TransactionStatus) Terminal() bool {
	return s == TransactionStatusCompleted || s == TransactionStatusFailed || s == TransactionStatusCancelled
}

func (s TransactionStatus) CanTransitionTo(target TransactionStatus) bool {
	for _, allowed := range ValidTransactionTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

func (s TransactionStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("非法交易状态: %q", string(s))
	}
	return string(s), nil
}

func (s *TransactionStatus) Scan(src interface{}) error {
	v, err := scanString(src)
	if err != nil {
		return err
	}
	status := TransactionStatus(v)
	if !status.Valid() {
		return fmt.Errorf("非法交易状态: %q", v)
	}
	*s = status
	return nil
}

// ============================================================================
// 交易类型
// ============================================================================

type TransactionType string

const (
	TransactionTypeDeposit    TransactionType = "deposit"
	TransactionTypeWithdraw   TransactionType = "withdraw"
	TransactionTypeAllocate   TransactionType = "allocate"
	TransactionTypeDeallocate TransactionType = "deallocate"
	TransactionTypeYield      TransactionType = "yield"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTypeDeposit, TransactionTypeWithdraw, TransactionTypeAllocate,
		TransactionTypeDeallocate, TransactionTypeYield:
		return true
	}
	return false
}

func (t TransactionType) Value() (driver.Value, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("非法交易类型: %q", string(t))
	}
	return string(t), nil
}

func (t *TransactionType) Scan(src interface{}) error {
	v, err := scanString(src)
	if err != nil {
		return err
	}
	typ := TransactionType(v)
	if !typ.Valid() {
		return fmt.Errorf("非法交易类型: %q", v)
	}
	*t = typ
	return nil
}

// ============================================================================
// 提现请求状态
// ============================================================================

type WithdrawalStatus string

const (
	WithdrawalStatusQueued    WithdrawalStatus = "queued"
	WithdrawalStatusReady     WithdrawalStatus = "ready"
	WithdrawalStatusProcessed WithdrawalStatus = "processed"
	WithdrawalStatusCancelled WithdrawalStatus = "cancelled"
)

// processed 只能经由 ready 到达
// ready → cancelled 只用于入账链上已确认的取消，发起取消仍要求 queued
var ValidWithdrawalTransitions = map[WithdrawalStatus][]WithdrawalStatus{
	WithdrawalStatusQueued: {WithdrawalStatusReady, WithdrawalStatusCancelled},
	WithdrawalStatusReady:  {WithdrawalStatusProcessed, WithdrawalStatusCancelled},
}

func (s WithdrawalStatus) Valid() bool {
	switch s {
	case WithdrawalStatusQueued, WithdrawalStatusReady, WithdrawalStatusProcessed, WithdrawalStatusCancelled:
		return true
	}
	return false
}

func (s WithdrawalStatus) CanTransitionTo(target WithdrawalStatus) bool {
	for _, allowed := range ValidWithdrawalTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

func (s WithdrawalStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("非法提现状态: %q", string(s))
	}
	return string(s), nil
}

func (s *WithdrawalStatus) Scan(src interface{}) error {
	v, err := scanString(src)
	if err != nil {
		return err
	}
	status := WithdrawalStatus(v)
	if !status.Valid() {
		return fmt.Errorf("非法提现状态: %q", v)
	}
	*s = status
	return nil
}

func scanString(src interface{}) (string, error) {
	switch v := src.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return "", fmt.Errorf("无法解析类型 %T", src)
	}
}
