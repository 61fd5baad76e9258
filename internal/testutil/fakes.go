// Package testutil provides handwritten fakes shared by package tests.
// Function fields default to healthy behavior; tests script only what a
// scenario needs.
package testutil

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"

	"github.com/k-g-j/dynamic-vencura/internal/chain"
	"github.com/k-g-j/dynamic-vencura/internal/domain/model"
	"github.com/k-g-j/dynamic-vencura/internal/notify"
	"github.com/k-g-j/dynamic-vencura/internal/store"
)

// ChainStub implements chain.Client with scriptable behavior. It records
// every broadcast transaction and nonce request for assertions.
type ChainStub struct {
	mu sync.Mutex

	BalanceFn     func(addr common.Address) (*big.Int, error)
	FeeDataFn     func() (*chain.FeeData, error)
	EstimateGasFn func(msg ethereum.CallMsg) (uint64, error)
	NonceFn       func(addr common.Address) (uint64, error)
	SendFn        func(tx *types.Transaction) error
	ReceiptFn     func(hash common.Hash) (*types.Receipt, error)
	BlockNumberFn func() (uint64, error)

	ChainIDValue *big.Int

	sentTxs    []*types.Transaction
	nonceCalls int
}

func NewChainStub() *ChainStub {
	return &ChainStub{ChainIDValue: big.NewInt(1)}
}

func (c *ChainStub) BalanceAt(_ context.Context, addr common.Address) (*big.Int, error) {
	if c.BalanceFn != nil {
		return c.BalanceFn(addr)
	}
	// One ether: plenty for any test transfer.
	return new(big.Int).Mul(big.NewInt(1), big.NewInt(1e18)), nil
}

func (c *ChainStub) FeeData(_ context.Context) (*chain.FeeData, error) {
	if c.FeeDataFn != nil {
		return c.FeeDataFn()
	}
	return &chain.FeeData{GasPrice: big.NewInt(30_000_000_000)}, nil
}

func (c *ChainStub) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	if c.EstimateGasFn != nil {
		return c.EstimateGasFn(msg)
	}
	return 21000, nil
}

func (c *ChainStub) PendingNonceAt(_ context.Context, addr common.Address) (uint64, error) {
	c.mu.Lock()
	c.nonceCalls++
	c.mu.Unlock()
	if c.NonceFn != nil {
		return c.NonceFn(addr)
	}
	return 0, nil
}

func (c *ChainStub) SendTransaction(_ context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	c.sentTxs = append(c.sentTxs, tx)
	c.mu.Unlock()
	if c.SendFn != nil {
		return c.SendFn(tx)
	}
	return nil
}

func (c *ChainStub) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	if c.ReceiptFn != nil {
		return c.ReceiptFn(hash)
	}
	return nil, ethereum.NotFound
}

func (c *ChainStub) BlockNumber(_ context.Context) (uint64, error) {
	if c.BlockNumberFn != nil {
		return c.BlockNumberFn()
	}
	return 100, nil
}

func (c *ChainStub) ChainID(_ context.Context) (*big.Int, error) {
	return c.ChainIDValue, nil
}

// SentTxs returns a snapshot of every transaction handed to the node.
func (c *ChainStub) SentTxs() []*types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*types.Transaction, len(c.sentTxs))
	copy(out, c.sentTxs)
	return out
}

func (c *ChainStub) NonceCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonceCalls
}

// MemoryTransferRepo is an in-memory store.TransferRepository enforcing the
// same monotonic transition guard as the postgres implementation.
type MemoryTransferRepo struct {
	mu      sync.Mutex
	records map[string]*model.TransferRecord

	CreateErr error
}

func NewMemoryTransferRepo() *MemoryTransferRepo {
	return &MemoryTransferRepo{records: make(map[string]*model.TransferRecord)}
}

func (m *MemoryTransferRepo) Create(_ context.Context, rec *model.TransferRecord) error {
	if m.CreateErr != nil {
		return m.CreateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	clone := *rec
	m.records[rec.TxHash] = &clone
	return nil
}

// ListPendingBefore returns pending records created before cutoff.
func (m *MemoryTransferRepo) ListPendingBefore(_ context.Context, cutoff time.Time, limit int) ([]model.TransferRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.TransferRecord
	for _, rec := range m.records {
		if rec.Status == model.TxStatusPending && rec.CreatedAt.Before(cutoff) {
			out = append(out, *rec)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryTransferRepo) UpdateOutcome(_ context.Context, txHash string, update store.TerminalUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[txHash]
	if !ok {
		return store.ErrNotFound
	}
	if rec.Status != model.TxStatusPending {
		return store.ErrAlreadyTerminal
	}
	rec.Status = update.Status
	rec.BlockNumber = update.BlockNumber
	rec.GasUsed = update.GasUsed
	rec.FailReason = update.FailReason
	return nil
}

func (m *MemoryTransferRepo) GetByHash(_ context.Context, txHash string) (*model.TransferRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[txHash]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *rec
	return &clone, nil
}

func (m *MemoryTransferRepo) ListByAccount(_ context.Context, accountID uuid.UUID, limit int) ([]model.TransferRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.TransferRecord
	for _, rec := range m.records {
		if rec.AccountID == accountID {
			out = append(out, *rec)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Len reports how many records were created.
func (m *MemoryTransferRepo) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// MemoryAccountRepo serves accounts from a map.
type MemoryAccountRepo struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*model.Account
}

func NewMemoryAccountRepo() *MemoryAccountRepo {
	return &MemoryAccountRepo{accounts: make(map[uuid.UUID]*model.Account)}
}

func (m *MemoryAccountRepo) Put(acct *model.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[acct.ID] = acct
}

func (m *MemoryAccountRepo) GetAccount(_ context.Context, id uuid.UUID) (*model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return acct, nil
}

// RecordingNotifier captures every event it is asked to deliver.
type RecordingNotifier struct {
	mu     sync.Mutex
	events []notify.TransferEvent

	Err error
}

func (r *RecordingNotifier) Notify(_ context.Context, event notify.TransferEvent) error {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	return r.Err
}

func (r *RecordingNotifier) Events() []notify.TransferEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.TransferEvent, len(r.events))
	copy(out, r.events)
	return out
}

// RecordingAuditor captures audit entries.
type RecordingAuditor struct {
	mu      sync.Mutex
	entries []AuditEntry

	Err error
}

type AuditEntry struct {
	EventType string
	AccountID uuid.UUID
	TxHash    string
	Metadata  map[string]any
}

func (r *RecordingAuditor) Record(_ context.Context, eventType string, accountID uuid.UUID, txHash string, metadata map[string]any) error {
	r.mu.Lock()
	r.entries = append(r.entries, AuditEntry{EventType: eventType, AccountID: accountID, TxHash: txHash, Metadata: metadata})
	r.mu.Unlock()
	return r.Err
}

func (r *RecordingAuditor) Entries() []AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]AuditEntry, len(r.entries))
	copy(out, r.entries)
	return out
}
