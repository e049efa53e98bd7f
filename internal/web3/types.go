package web3

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "OpenMCP-Settlement/internal/errors"
	"OpenMCP-Settlement/pkg/usdc"
)

// Operation names the kind of fund movement being settled.
type Operation string

const (
	OpDeposit    Operation = "deposit"
	OpRelease    Operation = "release"
	OpRefund     Operation = "refund"
	OpSlash      Operation = "slash"
	OpFlashRepay Operation = "flash_repay"
)

// Transfer describes one fund movement the wallet service must execute.
type Transfer struct {
	Operation Operation
	Reference string
	From      string
	To        string
	Amount    float64
	Currency  string
}

// Settler executes transfers and returns the transaction hash.
type Settler interface {
	Settle(ctx context.Context, transfer Transfer) (common.Hash, error)
}

// ValidateAddress reports whether addr is a 20-byte hex address.
func ValidateAddress(addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "address is required")
	}
	if !common.IsHexAddress(addr) {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("invalid address %q", addr))
	}
	return nil
}

// NormalizeAddress returns the EIP-55 checksummed form of addr. Invalid input
// is returned trimmed but otherwise unchanged.
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if !common.IsHexAddress(addr) {
		return addr
	}
	return common.HexToAddress(addr).Hex()
}

// SyntheticSettler hashes the transfer with a monotonically increasing nonce.
// It never touches a chain and never fails for well-formed transfers.
type SyntheticSettler struct {
	mu    sync.Mutex
	nonce uint64
	now   func() time.Time
}

// NewSyntheticSettler creates a SyntheticSettler.
func NewSyntheticSettler() *SyntheticSettler {
	return &SyntheticSettler{now: time.Now}
}

// Settle implements Settler.
func (s *SyntheticSettler) Settle(ctx context.Context, transfer Transfer) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}
	if transfer.Operation == "" {
		return common.Hash{}, xerrors.New(xerrors.CodeInvalidArgument, "transfer operation is required")
	}
	if transfer.Amount < 0 {
		return common.Hash{}, xerrors.New(xerrors.CodeInvalidArgument, "transfer amount must not be negative")
	}

	s.mu.Lock()
	s.nonce++
	nonce := s.nonce
	s.mu.Unlock()

	payload := strings.Join([]string{
		string(transfer.Operation),
		transfer.Reference,
		NormalizeAddress(transfer.From),
		NormalizeAddress(transfer.To),
		usdc.Format(transfer.Amount),
		transfer.Currency,
		fmt.Sprintf("%d", nonce),
		fmt.Sprintf("%d", s.now().UnixNano()),
	}, "|")
	return crypto.Keccak256Hash([]byte(payload)), nil
}

var _ Settler = (*SyntheticSettler)(nil)
