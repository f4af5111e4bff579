package api

import (
	"github.com/drachma/drachma-bridge/internal/bridge"
	"github.com/drachma/drachma-bridge/internal/relayer"
)

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Chains

type RegisterChainRequest struct {
	Name         string            `json:"name"`
	RPCEndpoint  string            `json:"rpcEndpoint"`
	Family       string            `json:"family,omitempty"`
	ProofPolicy  string            `json:"proofPolicy,omitempty"`
	PollInterval string            `json:"pollInterval,omitempty"` // Go duration, e.g. "30s"
	Params       map[string]string `json:"params,omitempty"`
}

type ChainDTO struct {
	Name         string            `json:"name"`
	RPCEndpoint  string            `json:"rpcEndpoint"`
	Family       string            `json:"family,omitempty"`
	ProofPolicy  string            `json:"proofPolicy,omitempty"`
	PollInterval string            `json:"pollInterval,omitempty"`
	Polling      bool              `json:"polling"`
	Params       map[string]string `json:"params,omitempty"`
}

type ChainListResponse struct {
	Chains []ChainDTO `json:"chains"`
}

type TrackHeaderRequest struct {
	Height uint64 `json:"height"`
	Header string `json:"header"`
}

type TrackHeaderResponse struct {
	Chain string `json:"chain"`
	Tip   uint64 `json:"tip"`
}

// Locks

type InitiateLockRequest struct {
	Chain         string `json:"chain"`
	TxID          string `json:"txid"`
	Destination   string `json:"destination"`
	Amount        string `json:"amount"` // base units as a decimal string
	SecretHash    string `json:"secretHash"`
	TimeoutHeight uint64 `json:"timeoutHeight"`
	SigningKey    string `json:"signingKey"` // hex secp256k1 scalar
}

type InitiateLockResponse struct {
	Lock      bridge.BridgeLock `json:"lock"`
	Signature string            `json:"signature"`
}

type ClaimRequest struct {
	Secret string `json:"secret"` // hex
	Height uint64 `json:"height"`
}

type ClaimResponse struct {
	LockID    string `json:"lockId"`
	Claimed   bool   `json:"claimed"`
	Signature string `json:"signature,omitempty"`
}

type RefundRequest struct {
	Height uint64 `json:"height"`
}

type RefundResponse struct {
	LockID   string `json:"lockId"`
	Refunded bool   `json:"refunded"`
}

type InboundRequest struct {
	Chain string `json:"chain"`
	relayer.Candidate
}

type InboundResponse struct {
	Accepted bool   `json:"accepted"`
	LockID   string `json:"lockId,omitempty"`
}

type PendingResponse struct {
	Destination string              `json:"destination"`
	Locks       []bridge.BridgeLock `json:"locks"`
}

type NodeInfoResponse struct {
	NodeID    string   `json:"nodeId"`
	PublicKey string   `json:"publicKey"`
	Chains    []string `json:"chains"`
}
