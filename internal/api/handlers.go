package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/drachma/drachma-bridge/internal/bridge"
	"github.com/drachma/drachma-bridge/internal/relayer"
	"github.com/drachma/drachma-bridge/internal/ws"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// MetricsInterface defines the interface for metrics recording
type MetricsInterface interface {
	RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration)
}

// Relayer is the part of the relayer the API reports on and feeds chains to.
type Relayer interface {
	AddWatchedChain(name string, cfg bridge.ChainConfig) error
	Metrics() relayer.RelayerMetrics
}

// Pinger is a dependency readiness is checked against.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	manager *bridge.Manager
	relayer Relayer
	wsHub   *ws.Hub
	ready   map[string]Pinger
	nodeID  string
	logger  *zap.SugaredLogger
	metrics MetricsInterface
}

func NewHandler(
	manager *bridge.Manager,
	relayer Relayer,
	wsHub *ws.Hub,
	ready map[string]Pinger,
	nodeID string,
	logger *zap.SugaredLogger,
	metrics MetricsInterface,
) *Handler {
	return &Handler{
		manager: manager,
		relayer: relayer,
		wsHub:   wsHub,
		ready:   ready,
		nodeID:  nodeID,
		logger:  logger,
		metrics: metrics,
	}
}

// Chain endpoints

func (h *Handler) RegisterChain(w http.ResponseWriter, r *http.Request) {
	var req RegisterChainRequest
	if !h.decode(w, r, &req) {
		return
	}

	name := strings.TrimSpace(req.Name)
	cfg := bridge.ChainConfig{
		RPCEndpoint: strings.TrimSpace(req.RPCEndpoint),
		Family:      strings.ToLower(strings.TrimSpace(req.Family)),
		ProofPolicy: strings.ToLower(strings.TrimSpace(req.ProofPolicy)),
		Params:      req.Params,
	}
	if req.PollInterval != "" {
		d, err := time.ParseDuration(req.PollInterval)
		if err != nil || d < 0 {
			h.writeError(w, http.StatusBadRequest, "INVALID_POLL_INTERVAL", "pollInterval must be a non-negative duration")
			return
		}
		cfg.PollInterval = d
	}

	if err := h.manager.RegisterChain(name, cfg); err != nil {
		h.writeBridgeError(w, err)
		return
	}
	if h.relayer != nil {
		if err := h.relayer.AddWatchedChain(name, cfg); err != nil {
			h.logger.Warnw("Chain registered but relayer did not accept it", "chain", name, "error", err)
		}
	}

	h.writeJSON(w, http.StatusCreated, chainDTO(name, cfg))
}

func (h *Handler) ListChains(w http.ResponseWriter, r *http.Request) {
	registry := h.manager.Chains()
	resp := ChainListResponse{Chains: make([]ChainDTO, 0)}
	for _, name := range registry.Names() {
		if cfg, ok := registry.Get(name); ok {
			resp.Chains = append(resp.Chains, chainDTO(name, cfg))
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) TrackHeader(w http.ResponseWriter, r *http.Request) {
	chain := chi.URLParam(r, "chain")
	if !h.manager.Chains().Has(chain) {
		h.writeError(w, http.StatusNotFound, "UNKNOWN_CHAIN", fmt.Sprintf("chain %q is not registered", chain))
		return
	}

	var req TrackHeaderRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Height == 0 {
		h.writeError(w, http.StatusBadRequest, "INVALID_HEIGHT", "height must be positive")
		return
	}
	header, err := bridge.ParseHash(req.Header)
	if err != nil || header.IsZero() {
		h.writeError(w, http.StatusBadRequest, "INVALID_HEADER", "header must be a 32 byte hex digest")
		return
	}

	tracker := h.manager.Verifiers().Tracker()
	tracker.Track(chain, req.Height, header)
	h.writeJSON(w, http.StatusOK, TrackHeaderResponse{Chain: chain, Tip: tracker.Tip(chain)})
}

// Lock endpoints

func (h *Handler) InitiateLock(w http.ResponseWriter, r *http.Request) {
	var req InitiateLockRequest
	if !h.decode(w, r, &req) {
		return
	}

	amount, err := parseAmount(req.Amount)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", err.Error())
		return
	}
	secretHash, err := bridge.ParseHash(req.SecretHash)
	if err != nil || secretHash.IsZero() {
		h.writeError(w, http.StatusBadRequest, "INVALID_SECRET_HASH", "secretHash must be a non-zero 32 byte hex digest")
		return
	}
	key, err := decodeHex(req.SigningKey)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_KEY", "signingKey must be hex")
		return
	}

	lock, sig, err := h.manager.InitiateOutboundLock(r.Context(),
		req.Chain, req.TxID, req.Destination, amount, secretHash, req.TimeoutHeight, key)
	if err != nil {
		h.writeBridgeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, InitiateLockResponse{
		Lock:      lock,
		Signature: hex.EncodeToString(sig),
	})
}

func (h *Handler) GetLock(w http.ResponseWriter, r *http.Request) {
	lock, err := h.manager.Lock(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeBridgeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, lock)
}

func (h *Handler) ClaimLock(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req ClaimRequest
	if !h.decode(w, r, &req) {
		return
	}
	secret, err := decodeHex(req.Secret)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_SECRET", "secret must be hex")
		return
	}
	if _, err := h.manager.Lock(r.Context(), id); err != nil {
		h.writeBridgeError(w, err)
		return
	}

	ok, sig, err := h.manager.Claim(r.Context(), id, secret, req.Height)
	if err != nil {
		h.writeBridgeError(w, err)
		return
	}

	resp := ClaimResponse{LockID: id, Claimed: ok}
	if ok {
		resp.Signature = hex.EncodeToString(sig)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) RefundLock(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req RefundRequest
	if !h.decode(w, r, &req) {
		return
	}
	if _, err := h.manager.Lock(r.Context(), id); err != nil {
		h.writeBridgeError(w, err)
		return
	}

	ok, err := h.manager.Refund(r.Context(), id, req.Height)
	if err != nil {
		h.writeBridgeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, RefundResponse{LockID: id, Refunded: ok})
}

func (h *Handler) DetectInbound(w http.ResponseWriter, r *http.Request) {
	var req InboundRequest
	if !h.decode(w, r, &req) {
		return
	}

	proofs, lock, err := req.Candidate.Decode()
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_PROOF", err.Error())
		return
	}
	chain := req.Chain
	if chain == "" {
		chain = lock.Chain
	}

	ok, err := h.manager.DetectInboundLock(r.Context(), chain, proofs, lock)
	if err != nil {
		h.writeBridgeError(w, err)
		return
	}

	resp := InboundResponse{Accepted: ok}
	if ok {
		resp.LockID = bridge.LockID(chain, lock.TxID, lock.SecretHash)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) PendingFor(w http.ResponseWriter, r *http.Request) {
	destination := chi.URLParam(r, "destination")
	locks, err := h.manager.PendingFor(r.Context(), destination)
	if err != nil {
		h.writeBridgeError(w, err)
		return
	}
	if locks == nil {
		locks = []bridge.BridgeLock{}
	}
	h.writeJSON(w, http.StatusOK, PendingResponse{Destination: destination, Locks: locks})
}

func (h *Handler) NodeInfo(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, NodeInfoResponse{
		NodeID:    h.nodeID,
		PublicKey: hex.EncodeToString(h.manager.NodePublicKey()),
		Chains:    h.manager.Chains().Names(),
	})
}

// Relayer endpoints

func (h *Handler) RelayerMetrics(w http.ResponseWriter, r *http.Request) {
	if h.relayer == nil {
		h.writeJSON(w, http.StatusOK, relayer.RelayerMetrics{})
		return
	}
	h.writeJSON(w, http.StatusOK, h.relayer.Metrics())
}

// Health endpoints

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for name, p := range h.ready {
		if err := p.Ping(ctx); err != nil {
			h.logger.Warnw("Readiness check failed", "dependency", name, "error", err)
			h.writeError(w, http.StatusServiceUnavailable, "NOT_READY", fmt.Sprintf("%s unavailable", name))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY"))
}

// WebSocket endpoint
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.wsHub == nil {
		h.writeError(w, http.StatusServiceUnavailable, "EVENTS_DISABLED", "event stream is not configured")
		return
	}
	h.wsHub.HandleWebSocket(w, r)
}

// Utility methods

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	if status >= http.StatusInternalServerError {
		h.logger.Errorw("API error", "code", code, "message", message, "status", status)
	} else {
		h.logger.Debugw("API error", "code", code, "message", message, "status", status)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	err := ErrorResponse{
		Code:    code,
		Message: message,
	}
	json.NewEncoder(w).Encode(err)
}

// writeBridgeError maps manager errors onto HTTP statuses.
func (h *Handler) writeBridgeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, bridge.ErrUnknownChain):
		h.writeError(w, http.StatusNotFound, "UNKNOWN_CHAIN", err.Error())
	case errors.Is(err, bridge.ErrLockNotFound):
		h.writeError(w, http.StatusNotFound, "LOCK_NOT_FOUND", err.Error())
	case errors.Is(err, bridge.ErrLockExists):
		h.writeError(w, http.StatusConflict, "LOCK_EXISTS", err.Error())
	case errors.Is(err, bridge.ErrInvalidRequest):
		h.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	case errors.Is(err, bridge.ErrCrypto):
		h.writeError(w, http.StatusBadRequest, "INVALID_KEY", err.Error())
	case errors.Is(err, bridge.ErrPersistence):
		h.writeError(w, http.StatusInternalServerError, "PERSISTENCE_ERROR", "lock store unavailable")
	default:
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

func chainDTO(name string, cfg bridge.ChainConfig) ChainDTO {
	dto := ChainDTO{
		Name:        name,
		RPCEndpoint: cfg.RPCEndpoint,
		Family:      cfg.Family,
		ProofPolicy: cfg.ProofPolicy,
		Polling:     cfg.PollingEnabled(),
		Params:      cfg.Params,
	}
	if cfg.PollInterval > 0 {
		dto.PollInterval = cfg.PollInterval.String()
	}
	return dto
}

// parseAmount accepts a non-negative integer in base units that fits uint64.
func parseAmount(raw string) (uint64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("amount must be a decimal number")
	}
	if d.Sign() < 0 {
		return 0, fmt.Errorf("amount must not be negative")
	}
	if !d.Equal(d.Truncate(0)) {
		return 0, fmt.Errorf("amount must be a whole number of base units")
	}
	n := d.BigInt()
	if !n.IsUint64() {
		return 0, fmt.Errorf("amount exceeds the supported range")
	}
	return n.Uint64(), nil
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
}
