package flashloan

import (
	"context"
	"time"

	xerrors "OpenMCP-Settlement/internal/errors"
)

// Status 表示闪电贷的状态。
type Status string

const (
	StatusExecuting Status = "executing"
	StatusRepaid    Status = "repaid"
	StatusDefaulted Status = "defaulted"
)

// 事件类型
const (
	EventLoanStarted   = "loan_started"
	EventLoanRepaid    = "loan_repaid"
	EventLoanDefaulted = "loan_defaulted"
)

const (
	CodeRepaymentInsufficient xerrors.Code = "FLASH_LOAN_REPAYMENT_INSUFFICIENT"
	CodeCallbackFailed        xerrors.Code = "FLASH_LOAN_CALLBACK_FAILED"
	CodePoolUnavailable       xerrors.Code = "FLASH_LOAN_POOL_UNAVAILABLE"
)

func init() {
	xerrors.Register(CodeRepaymentInsufficient, xerrors.Attributes{
		Message:   "insufficient repayment",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeCallbackFailed, xerrors.Attributes{
		Message:   "flash loan callback failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodePoolUnavailable, xerrors.Attributes{
		Message:   "liquidity pool cannot fund the loan",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
		Alert:     false,
	})
}

// Loan 是一笔闪电贷。进入终态后不再修改。
type Loan struct {
	ID                string        `json:"id"`
	Borrower          string        `json:"borrower"`
	BorrowerAddress   string        `json:"borrowerAddress"`
	Amount            float64       `json:"amount"`
	Fee               float64       `json:"fee"`
	FeeRate           float64       `json:"feeRate"`
	IntentID          string        `json:"intentId,omitempty"`
	Purpose           string        `json:"purpose,omitempty"`
	BorrowedAt        time.Time     `json:"borrowedAt"`
	Status            Status        `json:"status"`
	RepaidAt          *time.Time    `json:"repaidAt,omitempty"`
	RepaidAmount      float64       `json:"repaidAmount"`
	Profit            float64       `json:"profit"`
	ExecutionDuration time.Duration `json:"executionDuration"`
	TxHash            string        `json:"txHash,omitempty"`
	Error             string        `json:"error,omitempty"`
}

// Required 返回必须归还的本金加手续费。
func (l Loan) Required() float64 {
	return l.Amount + l.Fee
}

func (l *Loan) clone() *Loan {
	c := *l
	if l.RepaidAt != nil {
		t := *l.RepaidAt
		c.RepaidAt = &t
	}
	return &c
}

// CallbackResult 是回调对一次借款的处理结果。
type CallbackResult struct {
	Success      bool
	RepaidAmount float64
	Profit       float64
	Err          error
}

// Callback 在借款期间执行。ctx 受 MaxExecutionTime 约束。
// 本层不会回滚回调已经产生的外部副作用，回调应当幂等或自带事务。
type Callback func(ctx context.Context, loan Loan) (CallbackResult, error)

// Options 是借款的可选参数。
type Options struct {
	IntentID string
	Purpose  string
}

// Result 是 Flash 的返回值，失败时也会返回。
type Result struct {
	Success      bool          `json:"success"`
	LoanID       string        `json:"loanId"`
	Amount       float64       `json:"amount"`
	Fee          float64       `json:"fee"`
	RepaidAmount float64       `json:"repaidAmount"`
	Profit       float64       `json:"profit"`
	TxHash       string        `json:"txHash,omitempty"`
	Duration     time.Duration `json:"duration"`
	Error        string        `json:"error,omitempty"`
}

// Availability 描述当前可借额度。
type Availability struct {
	Available       bool    `json:"available"`
	MaxAmount       float64 `json:"maxAmount"`
	FeeRate         float64 `json:"feeRate"`
	PoolUtilization float64 `json:"poolUtilization"`
}

// Stats 汇总闪电贷。Volume 与 Fees 只统计成功归还的借款。
type Stats struct {
	TotalLoans      int          `json:"totalLoans"`
	SuccessfulLoans int          `json:"successfulLoans"`
	FailedLoans     int          `json:"failedLoans"`
	ActiveLoans     int          `json:"activeLoans"`
	TotalVolume     float64      `json:"totalVolume"`
	TotalFees       float64      `json:"totalFees"`
	SuccessRate     float64      `json:"successRate"`
	AverageLoanSize float64      `json:"averageLoanSize"`
	Availability    Availability `json:"availability"`
}
