package escrow

import (
	"time"

	xerrors "OpenMCP-Settlement/internal/errors"
)

// Status 表示托管资金在生命周期中的状态。
type Status string

const (
	StatusCreated  Status = "created"
	StatusFunded   Status = "funded"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
	StatusSlashed  Status = "slashed"
	StatusDisputed Status = "disputed"
)

// Terminal 报告状态是否为终态。终态的托管不允许再发生任何资金变动。
func (s Status) Terminal() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusSlashed:
		return true
	}
	return false
}

// 事件类型
const (
	EventCreated       = "created"
	EventFunded        = "funded"
	EventFundingFailed = "funding_failed"
	EventReleased      = "released"
	EventRefunded      = "refunded"
	EventSlashed       = "slashed"
	EventDisputed      = "disputed"
)

// TxHashes 记录每一步资金变动对应的交易哈希。
type TxHashes struct {
	Deposit string `json:"deposit,omitempty"`
	Release string `json:"release,omitempty"`
	Refund  string `json:"refund,omitempty"`
	Slash   string `json:"slash,omitempty"`
}

// Escrow 描述一笔为某个意图托管的资金。
type Escrow struct {
	ID               string     `json:"id"`
	IntentID         string     `json:"intentId"`
	ClientAddress    string     `json:"clientAddress"`
	Amount           float64    `json:"amount"`
	Currency         string     `json:"currency"`
	Status           Status     `json:"status"`
	CreatedAt        time.Time  `json:"createdAt"`
	FundedAt         *time.Time `json:"fundedAt,omitempty"`
	ReleasedAt       *time.Time `json:"releasedAt,omitempty"`
	RefundedAt       *time.Time `json:"refundedAt,omitempty"`
	SlashedAt        *time.Time `json:"slashedAt,omitempty"`
	DisputedAt       *time.Time `json:"disputedAt,omitempty"`
	RecipientAddress string     `json:"recipientAddress,omitempty"`
	ReleasedAmount   float64    `json:"releasedAmount"`
	RefundedAmount   float64    `json:"refundedAmount"`
	SlashedAmount    float64    `json:"slashedAmount"`
	TxHashes         TxHashes   `json:"txHashes"`
	Reason           string     `json:"reason,omitempty"`
}

// Settled 返回已经流出托管的总额。
func (e *Escrow) Settled() float64 {
	return e.ReleasedAmount + e.RefundedAmount + e.SlashedAmount
}

func (e *Escrow) clone() *Escrow {
	if e == nil {
		return nil
	}
	c := *e
	c.FundedAt = cloneTime(e.FundedAt)
	c.ReleasedAt = cloneTime(e.ReleasedAt)
	c.RefundedAt = cloneTime(e.RefundedAt)
	c.SlashedAt = cloneTime(e.SlashedAt)
	c.DisputedAt = cloneTime(e.DisputedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Deposit 是创建托管的请求。
type Deposit struct {
	IntentID      string
	ClientAddress string
	Amount        float64
	Currency      string
}

// ReleaseRequest 描述一次向服务方的放款。
type ReleaseRequest struct {
	EscrowID         string
	RecipientAddress string
	Amount           float64
}

// ReleaseResult 是放款结果，未放出的部分退回给委托方。
type ReleaseResult struct {
	TxHash       string  `json:"txHash"`
	Amount       float64 `json:"amount"`
	RefundAmount float64 `json:"refundAmount"`
}

// RefundResult 是全额退款结果。
type RefundResult struct {
	TxHash string  `json:"txHash"`
	Amount float64 `json:"amount"`
}

// SlashResult 是罚没结果。
type SlashResult struct {
	TxHash          string  `json:"txHash"`
	SlashedAmount   float64 `json:"slashedAmount"`
	RemainingAmount float64 `json:"remainingAmount"`
}

// Stats 汇总托管账户的数量和金额。
type Stats struct {
	Total         int     `json:"total"`
	Created       int     `json:"created"`
	Funded        int     `json:"funded"`
	Released      int     `json:"released"`
	Refunded      int     `json:"refunded"`
	Slashed       int     `json:"slashed"`
	Disputed      int     `json:"disputed"`
	TotalEscrowed float64 `json:"totalEscrowed"`
	TotalReleased float64 `json:"totalReleased"`
	TotalRefunded float64 `json:"totalRefunded"`
	TotalSlashed  float64 `json:"totalSlashed"`
	PendingAmount float64 `json:"pendingAmount"`
}

var (
	// ErrEscrowNotFound 表示托管不存在。
	ErrEscrowNotFound = xerrors.New(xerrors.CodeNotFound, "escrow not found")
	// ErrInvalidState 表示当前状态不允许该操作。
	ErrInvalidState = xerrors.New(xerrors.CodeInvalidState, "escrow state does not allow this operation")
	// ErrAmountExceeded 表示放款金额超过托管金额。
	ErrAmountExceeded = xerrors.New(xerrors.CodeLimitExceeded, "amount exceeds escrowed amount")
	// ErrActiveEscrow 表示同一意图已经存在未结束的托管。
	ErrActiveEscrow = xerrors.New(xerrors.CodeConflict, "intent already has an active escrow")
	// ErrOperationInProgress 表示该托管正在与结算服务交互。
	ErrOperationInProgress = xerrors.New(xerrors.CodeConflict, "escrow operation in progress")
)
