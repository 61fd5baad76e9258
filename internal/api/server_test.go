package api_test

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k-g-j/dynamic-vencura/internal/api"
	"github.com/k-g-j/dynamic-vencura/internal/custodian"
	"github.com/k-g-j/dynamic-vencura/internal/domain/model"
	"github.com/k-g-j/dynamic-vencura/internal/fees"
	"github.com/k-g-j/dynamic-vencura/internal/orchestrator"
	"github.com/k-g-j/dynamic-vencura/internal/testutil"
	"github.com/k-g-j/dynamic-vencura/internal/txretry"
)

type fixture struct {
	handler   http.Handler
	transfers *testutil.MemoryTransferRepo
	orch      *orchestrator.Orchestrator
	accountID uuid.UUID
}

func newFixture(t *testing.T, stub *testutil.ChainStub) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cipher, err := custodian.NewAESCipher([]byte("unit-test-secret"))
	require.NoError(t, err)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	encrypted, err := cipher.Encrypt([]byte(hex.EncodeToString(crypto.FromECDSA(key))))
	require.NoError(t, err)

	accountID := uuid.New()
	accounts := testutil.NewMemoryAccountRepo()
	accounts.Put(&model.Account{ID: accountID, Address: crypto.PubkeyToAddress(key.PublicKey).Hex(), EncryptedKey: encrypted})

	estimator := fees.NewEstimator(stub, fees.Config{}, logger)
	fastPolicy := txretry.Policy{
		MaxAttempts:       3,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 2,
		BackoffCap:        5 * time.Millisecond,
	}
	executor := txretry.NewExecutor(stub, estimator, fastPolicy, fastPolicy, logger)

	transfers := testutil.NewMemoryTransferRepo()
	orch := orchestrator.New(stub, custodian.New(accounts, cipher), estimator, executor,
		transfers, &testutil.RecordingNotifier{}, &testutil.RecordingAuditor{}, orchestrator.Config{}, logger)

	srv := api.NewServer(orch, transfers, logger)
	return &fixture{
		handler:   srv.Handler(),
		transfers: transfers,
		orch:      orch,
		accountID: accountID,
	}
}

func (f *fixture) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func TestPostTransfer_Accepted(t *testing.T) {
	stub := testutil.NewChainStub()
	stub.ReceiptFn = func(common.Hash) (*types.Receipt, error) {
		return &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(120), GasUsed: 21000}, nil
	}
	f := newFixture(t, stub)

	w := f.do(http.MethodPost, "/v1/transfers", map[string]any{
		"account_id": f.accountID.String(),
		"to":         "0x2222222222222222222222222222222222222222",
		"amount_wei": "1000000000000000",
	})

	require.Equal(t, http.StatusCreated, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["tx_hash"])
	assert.Equal(t, "PENDING", resp["status"])

	f.orch.WaitForConfirmations()
}

func TestPostTransfer_BadRequests(t *testing.T) {
	f := newFixture(t, testutil.NewChainStub())

	tests := []struct {
		name string
		body map[string]any
	}{
		{"malformed account id", map[string]any{"account_id": "not-a-uuid", "to": "0x2222222222222222222222222222222222222222", "amount_wei": "1"}},
		{"non-numeric amount", map[string]any{"account_id": f.accountID.String(), "to": "0x2222222222222222222222222222222222222222", "amount_wei": "abc"}},
		{"bad recipient", map[string]any{"account_id": f.accountID.String(), "to": "nowhere", "amount_wei": "1"}},
		{"non-numeric pinned price", map[string]any{"account_id": f.accountID.String(), "to": "0x2222222222222222222222222222222222222222", "amount_wei": "1", "gas_price_wei": "cheap"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(http.MethodPost, "/v1/transfers", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestPostTransfer_InvalidJSONBody(t *testing.T) {
	f := newFixture(t, testutil.NewChainStub())

	req := httptest.NewRequest(http.MethodPost, "/v1/transfers", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPostTransfer_InsufficientBalance(t *testing.T) {
	stub := testutil.NewChainStub()
	stub.BalanceFn = func(common.Address) (*big.Int, error) {
		return big.NewInt(1000), nil
	}
	f := newFixture(t, stub)

	w := f.do(http.MethodPost, "/v1/transfers", map[string]any{
		"account_id": f.accountID.String(),
		"to":         "0x2222222222222222222222222222222222222222",
		"amount_wei": "1000000000000000000",
	})

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "insufficient balance")
}

func TestGetTransfer_FoundAndNotFound(t *testing.T) {
	f := newFixture(t, testutil.NewChainStub())
	rec := &model.TransferRecord{
		ID:        uuid.New(),
		AccountID: f.accountID,
		TxHash:    "0xabc123",
		ToAddress: "0x2222222222222222222222222222222222222222",
		Amount:    "1000000000000000",
		Status:    model.TxStatusPending,
	}
	require.NoError(t, f.transfers.Create(context.Background(), rec))

	w := f.do(http.MethodGet, "/v1/transfers/0xabc123", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "0xabc123", resp["tx_hash"])
	assert.Equal(t, "PENDING", resp["status"])

	w = f.do(http.MethodGet, "/v1/transfers/0xmissing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// countingReader counts store reads so cache hits are observable.
type countingReader struct {
	*testutil.MemoryTransferRepo
	getCalls int
}

func (c *countingReader) GetByHash(ctx context.Context, txHash string) (*model.TransferRecord, error) {
	c.getCalls++
	return c.MemoryTransferRepo.GetByHash(ctx, txHash)
}

func TestGetTransfer_TerminalRecordServedFromCache(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reader := &countingReader{MemoryTransferRepo: testutil.NewMemoryTransferRepo()}
	handler := api.NewServer(nil, reader, logger).Handler()

	block := int64(200)
	gasUsed := uint64(21000)
	require.NoError(t, reader.Create(context.Background(), &model.TransferRecord{
		ID:          uuid.New(),
		AccountID:   uuid.New(),
		TxHash:      "0xdone",
		ToAddress:   "0x2222222222222222222222222222222222222222",
		Amount:      "1000000000000000",
		Status:      model.TxStatusConfirmed,
		BlockNumber: &block,
		GasUsed:     &gasUsed,
	}))
	require.NoError(t, reader.Create(context.Background(), &model.TransferRecord{
		ID:        uuid.New(),
		AccountID: uuid.New(),
		TxHash:    "0xopen",
		ToAddress: "0x2222222222222222222222222222222222222222",
		Amount:    "1000000000000000",
		Status:    model.TxStatusPending,
	}))

	get := func(hash string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/transfers/"+hash, nil))
		return w
	}

	// First read populates the cache, the second is served without a store
	// round trip.
	require.Equal(t, http.StatusOK, get("0xdone").Code)
	w := get("0xdone")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, reader.getCalls)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "CONFIRMED", resp["status"])
	assert.Equal(t, float64(200), resp["block_number"])

	// Pending records always hit the store.
	require.Equal(t, http.StatusOK, get("0xopen").Code)
	require.Equal(t, http.StatusOK, get("0xopen").Code)
	assert.Equal(t, 3, reader.getCalls)
}

func TestListTransfers(t *testing.T) {
	f := newFixture(t, testutil.NewChainStub())
	for i := 0; i < 3; i++ {
		require.NoError(t, f.transfers.Create(context.Background(), &model.TransferRecord{
			ID:        uuid.New(),
			AccountID: f.accountID,
			TxHash:    fmt.Sprintf("0xhash%d", i),
			ToAddress: "0x2222222222222222222222222222222222222222",
			Amount:    "1",
			Status:    model.TxStatusPending,
		}))
	}
	// A record for another account must not appear.
	require.NoError(t, f.transfers.Create(context.Background(), &model.TransferRecord{
		ID:        uuid.New(),
		AccountID: uuid.New(),
		TxHash:    "0xother",
		ToAddress: "0x2222222222222222222222222222222222222222",
		Amount:    "1",
		Status:    model.TxStatusPending,
	}))

	w := f.do(http.MethodGet, "/v1/accounts/"+f.accountID.String()+"/transfers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp, 3)

	w = f.do(http.MethodGet, "/v1/accounts/not-a-uuid/transfers", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListTransfers_LimitValidation(t *testing.T) {
	f := newFixture(t, testutil.NewChainStub())

	for _, raw := range []string{"0", "-1", "201", "abc"} {
		w := f.do(http.MethodGet, "/v1/accounts/"+f.accountID.String()+"/transfers?limit="+raw, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, "limit=%s", raw)
	}

	w := f.do(http.MethodGet, "/v1/accounts/"+f.accountID.String()+"/transfers?limit=10", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
