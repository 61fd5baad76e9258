// Package api is the HTTP surface of the custody service: transfer
// submission plus read access to transfer state. Authentication lives in
// the gateway in front of this service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/k-g-j/dynamic-vencura/internal/cache"
	"github.com/k-g-j/dynamic-vencura/internal/domain/model"
	"github.com/k-g-j/dynamic-vencura/internal/orchestrator"
	"github.com/k-g-j/dynamic-vencura/internal/store"
)

const (
	maxRequestBodyBytes = 1 << 16

	defaultListLimit = 50
	maxListLimit     = 200

	cacheCapacity = 4096
	cacheTTL      = 5 * time.Minute
)

// TransferReader is the read slice of the transfer repository the API
// serves from.
type TransferReader interface {
	GetByHash(ctx context.Context, txHash string) (*model.TransferRecord, error)
	ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]model.TransferRecord, error)
}

// Server serves the transfer API.
type Server struct {
	orch      *orchestrator.Orchestrator
	transfers TransferReader
	// Terminal records never change again, so they are served from an
	// in-process LRU. Pending records always hit the store.
	terminal *cache.LRU[string, *model.TransferRecord]
	logger   *slog.Logger
}

func NewServer(orch *orchestrator.Orchestrator, transfers TransferReader, logger *slog.Logger) *Server {
	return &Server{
		orch:      orch,
		transfers: transfers,
		terminal:  cache.NewLRU[string, *model.TransferRecord](cacheCapacity, cacheTTL),
		logger:    logger.With("component", "api"),
	}
}

// Handler returns the HTTP handler for the transfer API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/transfers", s.handleSend)
	mux.HandleFunc("GET /v1/transfers/{hash}", s.handleGetTransfer)
	mux.HandleFunc("GET /v1/accounts/{id}/transfers", s.handleListTransfers)
	return mux
}

type sendRequest struct {
	AccountID   string  `json:"account_id"`
	To          string  `json:"to"`
	AmountWei   string  `json:"amount_wei"`
	GasLimit    *uint64 `json:"gas_limit,omitempty"`
	GasPriceWei *string `json:"gas_price_wei,omitempty"`
}

type sendResponse struct {
	TxHash string `json:"tx_hash"`
	Status string `json:"status"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	accountID, err := uuid.Parse(req.AccountID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account_id")
		return
	}
	amount, ok := new(big.Int).SetString(req.AmountWei, 10)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid amount_wei")
		return
	}

	sendReq := orchestrator.SendRequest{AccountID: accountID, To: req.To, Amount: amount, GasLimit: req.GasLimit}
	if req.GasPriceWei != nil {
		price, ok := new(big.Int).SetString(*req.GasPriceWei, 10)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid gas_price_wei")
			return
		}
		sendReq.GasPriceWei = price
	}

	result, err := s.orch.Send(r.Context(), sendReq)
	if err != nil {
		status := http.StatusInternalServerError
		var insufficientErr *orchestrator.InsufficientBalanceError
		switch {
		case errors.Is(err, orchestrator.ErrInvalidAddress), errors.Is(err, orchestrator.ErrInvalidAmount):
			status = http.StatusBadRequest
		case errors.As(err, &insufficientErr):
			status = http.StatusUnprocessableEntity
		}
		s.logger.Warn("transfer rejected", "account_id", req.AccountID, "error", err)
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, sendResponse{TxHash: result.TxHash, Status: string(result.Status)})
}

type transferResponse struct {
	ID          uuid.UUID `json:"id"`
	AccountID   uuid.UUID `json:"account_id"`
	TxHash      string    `json:"tx_hash"`
	ToAddress   string    `json:"to_address"`
	AmountWei   string    `json:"amount_wei"`
	Status      string    `json:"status"`
	BlockNumber *int64    `json:"block_number,omitempty"`
	GasUsed     *uint64   `json:"gas_used,omitempty"`
	FailReason  *string   `json:"fail_reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func toTransferResponse(rec *model.TransferRecord) transferResponse {
	return transferResponse{
		ID:          rec.ID,
		AccountID:   rec.AccountID,
		TxHash:      rec.TxHash,
		ToAddress:   rec.ToAddress,
		AmountWei:   rec.Amount,
		Status:      string(rec.Status),
		BlockNumber: rec.BlockNumber,
		GasUsed:     rec.GasUsed,
		FailReason:  rec.FailReason,
		CreatedAt:   rec.CreatedAt,
	}
}

func (s *Server) handleGetTransfer(w http.ResponseWriter, r *http.Request) {
	hash := r.PathValue("hash")
	if hash == "" {
		writeError(w, http.StatusBadRequest, "transaction hash required")
		return
	}

	if rec, ok := s.terminal.Get(hash); ok {
		writeJSON(w, http.StatusOK, toTransferResponse(rec))
		return
	}

	rec, err := s.transfers.GetByHash(r.Context(), hash)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "transfer not found")
		return
	}
	if err != nil {
		s.logger.Error("get transfer failed", "hash", hash, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if rec.Status.Terminal() {
		s.terminal.Put(hash, rec)
	}
	writeJSON(w, http.StatusOK, toTransferResponse(rec))
}

func (s *Server) handleListTransfers(w http.ResponseWriter, r *http.Request) {
	accountID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > maxListLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 200")
			return
		}
	}

	records, err := s.transfers.ListByAccount(r.Context(), accountID, limit)
	if err != nil {
		s.logger.Error("list transfers failed", "account_id", accountID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]transferResponse, len(records))
	for i := range records {
		resp[i] = toTransferResponse(&records[i])
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeJSON writes v as JSON with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSONBody reads and decodes a JSON request body into v.
// Returns false (and writes an error response) if decoding fails.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}
