// Package wire implements the marketplace wire protocol — a framed,
// message-based protocol for client↔server communication. It is
// transported over WebSocket (primary), SSE (read-only fallback), and
// HTTP (one-shot RPC).
package wire

import (
	"encoding/json"
	"time"
)

// FrameType identifies the frame category.
type FrameType string

const (
	FrameRequest  FrameType = "request"
	FrameResponse FrameType = "response"
	FrameEvent    FrameType = "event"
	FrameErr      FrameType = "error"
	FramePing     FrameType = "ping"
	FramePong     FrameType = "pong"
)

// Frame is the wire message envelope. Every message exchanged over
// the protocol is a Frame.
type Frame struct {
	// ID uniquely identifies this frame.
	ID string `json:"id" msgpack:"id"`

	// Type categorizes the frame.
	Type FrameType `json:"type" msgpack:"type"`

	// Method names the operation for request frames (e.g., "job.create").
	Method string `json:"method,omitempty" msgpack:"method,omitempty"`

	// CorrelID links a response to its originating request.
	CorrelID string `json:"correl_id,omitempty" msgpack:"correl_id,omitempty"`

	// Token carries auth credentials (typically only on the auth frame).
	Token string `json:"token,omitempty" msgpack:"token,omitempty"`

	// Data carries the method-specific payload.
	Data json.RawMessage `json:"data,omitempty" msgpack:"data,omitempty"`

	// Error carries error details for error frames.
	Error *ErrorDetail `json:"error,omitempty" msgpack:"error,omitempty"`

	// Channel identifies the subscription channel for event/subscribe frames.
	Channel string `json:"channel,omitempty" msgpack:"channel,omitempty"`

	// Credits replenishes flow-control credits (backpressure).
	Credits int `json:"credits,omitempty" msgpack:"credits,omitempty"`

	// Timestamp records when this frame was created.
	Timestamp time.Time `json:"ts" msgpack:"ts"`
}

// ErrorDetail describes an error in a response or error frame.
type ErrorDetail struct {
	Code    int    `json:"code" msgpack:"code"`
	Message string `json:"message" msgpack:"message"`
	Details string `json:"details,omitempty" msgpack:"details,omitempty"`
}

// ── Well-known methods ──────────────────────────────

const (
	// Auth methods.
	MethodAuth = "auth"

	// Job board methods.
	MethodJobCreate   = "job.create"
	MethodJobFund     = "job.fund"
	MethodJobApply    = "job.apply"
	MethodJobWithdraw = "job.withdraw"
	MethodJobOffer    = "job.offer"
	MethodJobRescind  = "job.rescind"
	MethodJobAccept   = "job.accept"
	MethodJobEnd      = "job.end"
	MethodJobCancel   = "job.cancel"
	MethodJobRefund   = "job.refund"
	MethodJobClaim    = "job.claim"
	MethodJobGet      = "job.get"
	MethodJobList     = "job.list"

	// Reward pool methods.
	MethodPoolStake   = "pool.stake"
	MethodPoolUnstake = "pool.unstake"
	MethodPoolClaim   = "pool.claim"
	MethodPoolGet     = "pool.get"
	MethodPoolList    = "pool.list"

	// Subscription methods.
	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"

	// Admin methods.
	MethodStats = "stats"
)

// ── Well-known error codes ──────────────────────────

const (
	ErrCodeBadRequest     = 400
	ErrCodeUnauthorized   = 401
	ErrCodeForbidden      = 403
	ErrCodeNotFound       = 404
	ErrCodeMethodNotFound = 405
	ErrCodeConflict       = 409
	ErrCodeTooManyReqs    = 429
	ErrCodeInternal       = 500
)

// ── Request/Response payloads ───────────────────────

// AuthRequest is sent by clients to authenticate.
type AuthRequest struct {
	Token  string `json:"token"`
	Format string `json:"format,omitempty"` // "json" (default) or "msgpack"
}

// AuthResponse is returned after successful authentication.
type AuthResponse struct {
	Format    string `json:"format"`
	SessionID string `json:"session_id"`
	Account   string `json:"account"`
}

// JobCreateRequest posts a new escrowed job.
type JobCreateRequest struct {
	Title           string `json:"title,omitempty"`
	Description     string `json:"description,omitempty"`
	Token           string `json:"token"`
	Quantity        uint64 `json:"quantity"`
	DurationSeconds uint64 `json:"duration_seconds"`
}

// JobCreateResponse confirms job creation.
type JobCreateResponse struct {
	JobID  uint64 `json:"job_id"`
	Status string `json:"status"`
}

// JobFundRequest adds escrow to an open job.
type JobFundRequest struct {
	JobID    uint64 `json:"job_id"`
	Quantity uint64 `json:"quantity"`
}

// JobIDRequest targets a job by ID. Used by apply, withdraw, rescind,
// end, cancel, and get.
type JobIDRequest struct {
	JobID uint64 `json:"job_id"`
}

// JobOfferRequest extends an offer to a candidate, either openly or
// as a blind commitment hash.
type JobOfferRequest struct {
	JobID      uint64 `json:"job_id"`
	Candidate  string `json:"candidate,omitempty"`
	Commitment []byte `json:"commitment,omitempty"`
}

// JobAcceptRequest accepts an outstanding offer. Secret reveals a
// blind commitment; open offers leave it empty.
type JobAcceptRequest struct {
	JobID  uint64 `json:"job_id"`
	Secret []byte `json:"secret,omitempty"`
}

// JobRefundRequest reclaims a funder's share of an ended job's unworked
// time. Funder defaults to the caller.
type JobRefundRequest struct {
	JobID  uint64 `json:"job_id"`
	Funder string `json:"funder,omitempty"`
}

// JobClaimRequest pays out the worker's vested wage. To defaults to
// the caller.
type JobClaimRequest struct {
	JobID uint64 `json:"job_id"`
	To    string `json:"to,omitempty"`
}

// AmountResponse reports a settled amount.
type AmountResponse struct {
	JobID  uint64 `json:"job_id"`
	Amount uint64 `json:"amount"`
}

// JobListRequest pages through jobs.
type JobListRequest struct {
	Limit   int    `json:"limit,omitempty"`
	Offset  int    `json:"offset,omitempty"`
	Manager string `json:"manager,omitempty"`
	Token   string `json:"token,omitempty"`
}

// PoolStakeRequest stakes (or unstakes) backing in a reward pool.
type PoolStakeRequest struct {
	Recipient  string `json:"recipient"`
	StakeToken string `json:"stake_token"`
	Quantity   uint64 `json:"quantity"`
}

// PoolClaimRequest claims reward snapshots from a pool.
type PoolClaimRequest struct {
	Recipient  string   `json:"recipient"`
	StakeToken string   `json:"stake_token"`
	Snapshots  []uint64 `json:"snapshots"`
}

// PoolGetRequest retrieves a pool summary. Backer defaults to the
// caller.
type PoolGetRequest struct {
	Recipient  string `json:"recipient"`
	StakeToken string `json:"stake_token"`
	Backer     string `json:"backer,omitempty"`
}

// PoolListRequest pages through pools.
type PoolListRequest struct {
	Limit     int    `json:"limit,omitempty"`
	Offset    int    `json:"offset,omitempty"`
	Recipient string `json:"recipient,omitempty"`
}

// SubscribeRequest subscribes to a topic channel.
type SubscribeRequest struct {
	Channel string `json:"channel"`
	Credits int    `json:"credits,omitempty"` // Initial credits (0 = use default)
}

// UnsubscribeRequest removes a subscription.
type UnsubscribeRequest struct {
	Channel string `json:"channel"`
}

// ── Frame constructors ──────────────────────────────

// NewRequestFrame creates a new request frame.
func NewRequestFrame(id, method string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        id,
		Type:      FrameRequest,
		Method:    method,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewResponseFrame creates a response to a request.
func NewResponseFrame(correlID string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        generateFrameID(),
		Type:      FrameResponse,
		CorrelID:  correlID,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewErrorFrame creates an error response to a request.
func NewErrorFrame(correlID string, code int, message string) *Frame {
	return &Frame{
		ID:       generateFrameID(),
		Type:     FrameErr,
		CorrelID: correlID,
		Error: &ErrorDetail{
			Code:    code,
			Message: message,
		},
		Timestamp: time.Now().UTC(),
	}
}

// NewEventFrame creates an event frame for a subscription channel.
func NewEventFrame(channel string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        generateFrameID(),
		Type:      FrameEvent,
		Channel:   channel,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// GenerateFrameID returns a new unique frame ID.
// Uses a simple timestamp approach for performance.
func GenerateFrameID() string {
	return time.Now().UTC().Format("20060102150405.000000000")
}

func generateFrameID() string { return GenerateFrameID() }
