package api

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/drachma/drachma-bridge/internal/bridge"
	"github.com/drachma/drachma-bridge/internal/lockstore"
	"github.com/drachma/drachma-bridge/internal/relayer"
	"github.com/drachma/drachma-bridge/pkg/kv/memory"
)

// Mock relayer for testing
type MockRelayer struct {
	mock.Mock
}

func (m *MockRelayer) AddWatchedChain(name string, cfg bridge.ChainConfig) error {
	args := m.Called(name, cfg)
	return args.Error(0)
}

func (m *MockRelayer) Metrics() relayer.RelayerMetrics {
	args := m.Called()
	return args.Get(0).(relayer.RelayerMetrics)
}

var _ Relayer = (*MockRelayer)(nil)

// Mock metrics for testing
type MockMetrics struct{}

func (m *MockMetrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

var testKeyHex = strings.Repeat("11", 32)

func createTestHandler(t *testing.T) (http.Handler, *Handler, *MockRelayer) {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	sugar := logger.Sugar()

	manager, err := bridge.NewManager(lockstore.NewKVStore(memory.New()), sugar)
	require.NoError(t, err)

	mockRelayer := &MockRelayer{}
	handler := NewHandler(manager, mockRelayer, nil, map[string]Pinger{
		"store": pingFunc(func(context.Context) error { return nil }),
	}, "node-1", sugar, &MockMetrics{})

	mw := NewMiddleware(sugar, &MockMetrics{})
	return handler.Routes(mw, nil, 0, nil), handler, mockRelayer
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func registerChain(t *testing.T, router http.Handler, relayerMock *MockRelayer, name string) {
	t.Helper()
	relayerMock.On("AddWatchedChain", name, mock.Anything).Return(nil).Once()
	rec := doJSON(t, router, http.MethodPost, "/v1/bridge/chains", RegisterChainRequest{Name: name})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func initiate(t *testing.T, router http.Handler, secret string) InitiateLockResponse {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/v1/bridge/locks", InitiateLockRequest{
		Chain:         "bitcoin",
		TxID:          "tx1",
		Destination:   "addr",
		Amount:        "50",
		SecretHash:    bridge.HashSecret([]byte(secret)).String(),
		TimeoutHeight: 100,
		SigningKey:    testKeyHex,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp InitiateLockResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestRegisterAndListChains(t *testing.T) {
	router, _, relayerMock := createTestHandler(t)

	relayerMock.On("AddWatchedChain", "bitcoin", mock.MatchedBy(func(cfg bridge.ChainConfig) bool {
		return cfg.RPCEndpoint == "http://btc.local" && cfg.PollInterval == 30*time.Second
	})).Return(nil).Once()

	rec := doJSON(t, router, http.MethodPost, "/v1/bridge/chains", RegisterChainRequest{
		Name:         "bitcoin",
		RPCEndpoint:  "http://btc.local",
		Family:       "Bitcoin",
		PollInterval: "30s",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created ChainDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "bitcoin", created.Family)
	assert.True(t, created.Polling)
	assert.Equal(t, "30s", created.PollInterval)

	rec = doJSON(t, router, http.MethodGet, "/v1/bridge/chains", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list ChainListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Chains, 1)
	assert.Equal(t, "bitcoin", list.Chains[0].Name)

	relayerMock.AssertExpectations(t)
}

func TestRegisterChainValidation(t *testing.T) {
	router, _, relayerMock := createTestHandler(t)

	testCases := []struct {
		name     string
		request  RegisterChainRequest
		wantCode string
	}{
		{"missing name", RegisterChainRequest{}, "INVALID_REQUEST"},
		{"bad policy", RegisterChainRequest{Name: "x", ProofPolicy: "magic"}, "INVALID_REQUEST"},
		{"bad interval", RegisterChainRequest{Name: "x", PollInterval: "soon"}, "INVALID_POLL_INTERVAL"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, router, http.MethodPost, "/v1/bridge/chains", tc.request)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tc.wantCode, decodeError(t, rec).Code)
		})
	}

	relayerMock.AssertNotCalled(t, "AddWatchedChain", mock.Anything, mock.Anything)
}

func TestRegisterChainSurvivesRelayerRefusal(t *testing.T) {
	router, handler, relayerMock := createTestHandler(t)
	relayerMock.On("AddWatchedChain", "bitcoin", mock.Anything).Return(relayer.ErrStopped)

	rec := doJSON(t, router, http.MethodPost, "/v1/bridge/chains", RegisterChainRequest{Name: "bitcoin"})
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, handler.manager.Chains().Has("bitcoin"))
}

func TestLockLifecycle(t *testing.T) {
	router, handler, relayerMock := createTestHandler(t)
	registerChain(t, router, relayerMock, "bitcoin")

	created := initiate(t, router, "secret")
	assert.Equal(t, bridge.StateInitiated, created.Lock.State)
	assert.Equal(t, uint64(50), created.Lock.Amount)

	sig, err := hex.DecodeString(created.Signature)
	require.NoError(t, err)
	key, err := bridge.ParseSigningKey(bytes.Repeat([]byte{0x11}, 32))
	require.NoError(t, err)
	assert.True(t, bridge.VerifyCommitment(created.Lock, sig, key.PubKey().SerializeCompressed()))

	rec := doJSON(t, router, http.MethodGet, "/v1/bridge/locks/"+created.Lock.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/v1/bridge/pending/addr", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var pending PendingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pending))
	assert.Empty(t, pending.Locks, "outbound locks are never pending")

	// Wrong secret is a clean rejection, not an error.
	rec = doJSON(t, router, http.MethodPost, "/v1/bridge/locks/"+created.Lock.ID+"/claim",
		ClaimRequest{Secret: hex.EncodeToString([]byte("wrong")), Height: 10})
	require.Equal(t, http.StatusOK, rec.Code)
	var claim ClaimResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &claim))
	assert.False(t, claim.Claimed)
	assert.Empty(t, claim.Signature)

	rec = doJSON(t, router, http.MethodPost, "/v1/bridge/locks/"+created.Lock.ID+"/claim",
		ClaimRequest{Secret: hex.EncodeToString([]byte("secret")), Height: 10})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &claim))
	assert.True(t, claim.Claimed)

	claimSig, err := hex.DecodeString(claim.Signature)
	require.NoError(t, err)
	msg, err := bridge.ClaimMessage(created.Lock.ID, []byte("secret"), 10)
	require.NoError(t, err)
	assert.True(t, bridge.VerifySignature(handler.manager.NodePublicKey(), claimSig, msg))

	rec = doJSON(t, router, http.MethodPost, "/v1/bridge/locks/"+created.Lock.ID+"/refund", RefundRequest{Height: 50})
	require.Equal(t, http.StatusOK, rec.Code)
	var refund RefundResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &refund))
	assert.False(t, refund.Refunded, "refund before timeout")
}

func TestInitiateLockValidation(t *testing.T) {
	router, _, relayerMock := createTestHandler(t)
	registerChain(t, router, relayerMock, "bitcoin")

	valid := InitiateLockRequest{
		Chain:         "bitcoin",
		TxID:          "tx1",
		Destination:   "addr",
		Amount:        "50",
		SecretHash:    bridge.HashSecret([]byte("s")).String(),
		TimeoutHeight: 100,
		SigningKey:    testKeyHex,
	}

	testCases := []struct {
		name       string
		mutate     func(r *InitiateLockRequest)
		wantStatus int
		wantCode   string
	}{
		{"unknown chain", func(r *InitiateLockRequest) { r.Chain = "dogecoin" }, http.StatusNotFound, "UNKNOWN_CHAIN"},
		{"fractional amount", func(r *InitiateLockRequest) { r.Amount = "1.5" }, http.StatusBadRequest, "INVALID_AMOUNT"},
		{"negative amount", func(r *InitiateLockRequest) { r.Amount = "-1" }, http.StatusBadRequest, "INVALID_AMOUNT"},
		{"overflowing amount", func(r *InitiateLockRequest) { r.Amount = "18446744073709551616" }, http.StatusBadRequest, "INVALID_AMOUNT"},
		{"garbage amount", func(r *InitiateLockRequest) { r.Amount = "lots" }, http.StatusBadRequest, "INVALID_AMOUNT"},
		{"short secret hash", func(r *InitiateLockRequest) { r.SecretHash = "abcd" }, http.StatusBadRequest, "INVALID_SECRET_HASH"},
		{"missing secret hash", func(r *InitiateLockRequest) { r.SecretHash = "" }, http.StatusBadRequest, "INVALID_SECRET_HASH"},
		{"zero secret hash", func(r *InitiateLockRequest) { r.SecretHash = strings.Repeat("00", 32) }, http.StatusBadRequest, "INVALID_SECRET_HASH"},
		{"non-hex key", func(r *InitiateLockRequest) { r.SigningKey = "zz" }, http.StatusBadRequest, "INVALID_KEY"},
		{"short key", func(r *InitiateLockRequest) { r.SigningKey = "11" }, http.StatusBadRequest, "INVALID_KEY"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := valid
			tc.mutate(&req)
			rec := doJSON(t, router, http.MethodPost, "/v1/bridge/locks", req)
			assert.Equal(t, tc.wantStatus, rec.Code, rec.Body.String())
			assert.Equal(t, tc.wantCode, decodeError(t, rec).Code)
		})
	}

	t.Run("duplicate", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodPost, "/v1/bridge/locks", valid)
		require.Equal(t, http.StatusCreated, rec.Code)
		rec = doJSON(t, router, http.MethodPost, "/v1/bridge/locks", valid)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "LOCK_EXISTS", decodeError(t, rec).Code)
	})

	t.Run("max uint64 amount", func(t *testing.T) {
		req := valid
		req.TxID = "tx-max"
		req.Amount = "18446744073709551615"
		rec := doJSON(t, router, http.MethodPost, "/v1/bridge/locks", req)
		assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	})
}

func TestUnknownLockReturnsNotFound(t *testing.T) {
	router, _, _ := createTestHandler(t)
	id := strings.Repeat("ab", 32)

	for _, tc := range []struct {
		method, path string
		body         any
	}{
		{http.MethodGet, "/v1/bridge/locks/" + id, nil},
		{http.MethodPost, "/v1/bridge/locks/" + id + "/claim", ClaimRequest{Secret: "00", Height: 1}},
		{http.MethodPost, "/v1/bridge/locks/" + id + "/refund", RefundRequest{Height: 1}},
	} {
		rec := doJSON(t, router, tc.method, tc.path, tc.body)
		assert.Equal(t, http.StatusNotFound, rec.Code, tc.path)
		assert.Equal(t, "LOCK_NOT_FOUND", decodeError(t, rec).Code)
	}
}

func TestDetectInboundAndPending(t *testing.T) {
	router, _, relayerMock := createTestHandler(t)
	registerChain(t, router, relayerMock, "litecoin")

	req := InboundRequest{
		Chain: "litecoin",
		Candidate: relayer.Candidate{
			Proofs: []relayer.ProofJSON{{Height: 1}},
			Lock: relayer.LockJSON{
				Chain:         "litecoin",
				TxID:          "tx9",
				Destination:   "dest",
				Amount:        10,
				SecretHash:    bridge.HashSecret([]byte("s")),
				TimeoutHeight: 200,
			},
		},
	}

	rec := doJSON(t, router, http.MethodPost, "/v1/bridge/inbound", req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp InboundResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Accepted)
	assert.Equal(t, bridge.LockID("litecoin", "tx9", bridge.HashSecret([]byte("s"))), resp.LockID)

	rec = doJSON(t, router, http.MethodGet, "/v1/bridge/pending/dest", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var pending PendingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pending))
	require.Len(t, pending.Locks, 1)
	assert.Equal(t, bridge.DirectionInbound, pending.Locks[0].Direction)

	// A proof outside the height range is rejected without creating a lock.
	req.Lock.TxID = "tx10"
	req.Proofs = []relayer.ProofJSON{{Height: 0}}
	rec = doJSON(t, router, http.MethodPost, "/v1/bridge/inbound", req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Accepted)
	assert.Empty(t, resp.LockID)

	req.Proofs = []relayer.ProofJSON{{Height: 1, Header: "nothex"}}
	rec = doJSON(t, router, http.MethodPost, "/v1/bridge/inbound", req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_PROOF", decodeError(t, rec).Code)

	// A candidate without a secret hash never becomes a lock.
	req.Lock.TxID = "tx11"
	req.Lock.SecretHash = bridge.Hash{}
	req.Proofs = []relayer.ProofJSON{{Height: 1}}
	rec = doJSON(t, router, http.MethodPost, "/v1/bridge/inbound", req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_PROOF", decodeError(t, rec).Code)

	rec = doJSON(t, router, http.MethodGet, "/v1/bridge/pending/dest", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pending))
	assert.Len(t, pending.Locks, 1)
}

func TestInitiateLockWithoutSecretHashField(t *testing.T) {
	router, _, relayerMock := createTestHandler(t)
	registerChain(t, router, relayerMock, "bitcoin")

	body := `{"chain":"bitcoin","txid":"tx1","destination":"addr","amount":"50","timeoutHeight":100,"signingKey":"` + testKeyHex + `"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/bridge/locks", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_SECRET_HASH", decodeError(t, rec).Code)
}

func TestTrackHeader(t *testing.T) {
	router, handler, relayerMock := createTestHandler(t)

	header := strings.Repeat("cd", 32)
	rec := doJSON(t, router, http.MethodPost, "/v1/bridge/chains/bitcoin/headers", TrackHeaderRequest{Height: 5, Header: header})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	registerChain(t, router, relayerMock, "bitcoin")
	rec = doJSON(t, router, http.MethodPost, "/v1/bridge/chains/bitcoin/headers", TrackHeaderRequest{Height: 5, Header: header})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp TrackHeaderResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, uint64(5), resp.Tip)

	got, ok := handler.manager.Verifiers().Tracker().Lookup("bitcoin", 5)
	require.True(t, ok)
	assert.Equal(t, header, hex.EncodeToString(got[:]))

	rec = doJSON(t, router, http.MethodPost, "/v1/bridge/chains/bitcoin/headers", TrackHeaderRequest{Height: 0, Header: header})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNodeInfoAndRelayerMetrics(t *testing.T) {
	router, handler, relayerMock := createTestHandler(t)
	relayerMock.On("Metrics").Return(relayer.RelayerMetrics{Detected: 3, ProofsFetched: 7, Errors: 1})

	rec := doJSON(t, router, http.MethodGet, "/v1/bridge/node", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var info NodeInfoResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "node-1", info.NodeID)
	assert.Equal(t, hex.EncodeToString(handler.manager.NodePublicKey()), info.PublicKey)

	rec = doJSON(t, router, http.MethodGet, "/v1/relayer/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var m relayer.RelayerMetrics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Equal(t, relayer.RelayerMetrics{Detected: 3, ProofsFetched: 7, Errors: 1}, m)
}

func TestHealthAndReadiness(t *testing.T) {
	router, handler, _ := createTestHandler(t)

	rec := doJSON(t, router, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, router, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	handler.ready["store"] = pingFunc(func(context.Context) error { return errors.New("down") })
	rec = doJSON(t, router, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "NOT_READY", decodeError(t, rec).Code)

	rec = doJSON(t, router, http.MethodGet, "/ping", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEventsWithoutHub(t *testing.T) {
	router, _, _ := createTestHandler(t)
	rec := doJSON(t, router, http.MethodGet, "/v1/events", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRejectsUnknownFields(t *testing.T) {
	router, _, _ := createTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/bridge/chains", strings.NewReader(`{"name":"x","bogus":1}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequestIDPropagation(t *testing.T) {
	router, _, _ := createTestHandler(t)

	rec := doJSON(t, router, http.MethodGet, "/healthz", nil)
	generated := rec.Header().Get("X-Request-ID")
	assert.Len(t, generated, 36)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "6f1c1c4e-7c1b-4f50-9d52-4b0d3f6b7a11")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, "6f1c1c4e-7c1b-4f50-9d52-4b0d3f6b7a11", rec.Header().Get("X-Request-ID"))
}

func TestRateLimit(t *testing.T) {
	logger := zap.NewNop().Sugar()
	mw := NewMiddleware(logger, nil)
	h := mw.RateLimit(6)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestParseAmount(t *testing.T) {
	n, err := parseAmount(" 42 ")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), n)

	n, err = parseAmount("1e3")
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), n)

	_, err = parseAmount("")
	assert.Error(t, err)
}
