package reconciliation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k-g-j/dynamic-vencura/internal/alert"
	"github.com/k-g-j/dynamic-vencura/internal/domain/model"
	"github.com/k-g-j/dynamic-vencura/internal/store"
	"github.com/k-g-j/dynamic-vencura/internal/testutil"
)

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (r *recordingAlerter) Send(_ context.Context, a alert.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recordingAlerter) Alerts() []alert.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]alert.Alert, len(r.alerts))
	copy(out, r.alerts)
	return out
}

func testService(stub *testutil.ChainStub, transfers TransferSource, notifier *testutil.RecordingNotifier, alerter alert.Alerter) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(stub, transfers, notifier, alerter, Config{
		StaleAfter: 5 * time.Minute,
		StuckAfter: 15 * time.Minute,
	}, logger)
}

func stalePending(repo *testutil.MemoryTransferRepo, age time.Duration) *model.TransferRecord {
	rec := &model.TransferRecord{
		ID:        uuid.New(),
		AccountID: uuid.New(),
		TxHash:    "0x" + uuid.NewString()[:8],
		ToAddress: "0x2222222222222222222222222222222222222222",
		Amount:    "1000000000000000",
		Status:    model.TxStatusPending,
		CreatedAt: time.Now().Add(-age),
	}
	_ = repo.Create(context.Background(), rec)
	return rec
}

func TestSweep_ResolvesConfirmedTransfer(t *testing.T) {
	stub := testutil.NewChainStub()
	stub.ReceiptFn = func(common.Hash) (*types.Receipt, error) {
		return &types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			BlockNumber: big.NewInt(300),
			GasUsed:     21000,
		}, nil
	}
	repo := testutil.NewMemoryTransferRepo()
	rec := stalePending(repo, 10*time.Minute)
	notifier := &testutil.RecordingNotifier{}
	svc := testService(stub, repo, notifier, &alert.NoopAlerter{})

	require.NoError(t, svc.Sweep(context.Background()))

	found, err := repo.GetByHash(context.Background(), rec.TxHash)
	require.NoError(t, err)
	assert.Equal(t, model.TxStatusConfirmed, found.Status)
	require.NotNil(t, found.BlockNumber)
	assert.Equal(t, int64(300), *found.BlockNumber)

	events := notifier.Events()
	require.Len(t, events, 1)
	assert.Equal(t, model.TxStatusConfirmed, events[0].Status)
	assert.Equal(t, rec.TxHash, events[0].TxHash)
}

func TestSweep_ResolvesRevertedTransfer(t *testing.T) {
	stub := testutil.NewChainStub()
	stub.ReceiptFn = func(common.Hash) (*types.Receipt, error) {
		return &types.Receipt{
			Status:      types.ReceiptStatusFailed,
			BlockNumber: big.NewInt(301),
			GasUsed:     30000,
		}, nil
	}
	repo := testutil.NewMemoryTransferRepo()
	rec := stalePending(repo, 10*time.Minute)
	notifier := &testutil.RecordingNotifier{}
	svc := testService(stub, repo, notifier, &alert.NoopAlerter{})

	require.NoError(t, svc.Sweep(context.Background()))

	found, err := repo.GetByHash(context.Background(), rec.TxHash)
	require.NoError(t, err)
	assert.Equal(t, model.TxStatusFailed, found.Status)
	require.NotNil(t, found.FailReason)
	assert.Equal(t, "The transaction was rejected during execution.", *found.FailReason)
}

func TestSweep_FreshPendingLeftAlone(t *testing.T) {
	stub := testutil.NewChainStub()
	repo := testutil.NewMemoryTransferRepo()
	rec := stalePending(repo, time.Minute) // younger than StaleAfter
	notifier := &testutil.RecordingNotifier{}
	svc := testService(stub, repo, notifier, &alert.NoopAlerter{})

	require.NoError(t, svc.Sweep(context.Background()))

	found, err := repo.GetByHash(context.Background(), rec.TxHash)
	require.NoError(t, err)
	assert.Equal(t, model.TxStatusPending, found.Status)
	assert.Empty(t, notifier.Events())
}

func TestSweep_StuckTransferRaisesAlert(t *testing.T) {
	stub := testutil.NewChainStub() // receipts never appear
	repo := testutil.NewMemoryTransferRepo()
	rec := stalePending(repo, 20*time.Minute)
	notifier := &testutil.RecordingNotifier{}
	alerter := &recordingAlerter{}
	svc := testService(stub, repo, notifier, alerter)

	require.NoError(t, svc.Sweep(context.Background()))

	found, err := repo.GetByHash(context.Background(), rec.TxHash)
	require.NoError(t, err)
	assert.Equal(t, model.TxStatusPending, found.Status, "a stuck transfer is not failed by the sweep")

	alerts := alerter.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, alert.AlertTypeTransferStuck, alerts[0].Type)
	assert.Equal(t, rec.TxHash, alerts[0].Title)
}

func TestSweep_StaleButNotStuckStaysQuiet(t *testing.T) {
	stub := testutil.NewChainStub()
	repo := testutil.NewMemoryTransferRepo()
	stalePending(repo, 10*time.Minute) // past StaleAfter, short of StuckAfter
	notifier := &testutil.RecordingNotifier{}
	alerter := &recordingAlerter{}
	svc := testService(stub, repo, notifier, alerter)

	require.NoError(t, svc.Sweep(context.Background()))
	assert.Empty(t, alerter.Alerts())
}

type failingSource struct{}

func (failingSource) ListPendingBefore(context.Context, time.Time, int) ([]model.TransferRecord, error) {
	return nil, errors.New("db unreachable")
}

func (failingSource) UpdateOutcome(context.Context, string, store.TerminalUpdate) error {
	return nil
}

func TestSweep_ListFailurePropagates(t *testing.T) {
	svc := testService(testutil.NewChainStub(), failingSource{}, &testutil.RecordingNotifier{}, &alert.NoopAlerter{})

	err := svc.Sweep(context.Background())
	assert.ErrorContains(t, err, "db unreachable")
}
