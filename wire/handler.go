package wire

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/workmesh/escrow"
	"github.com/workmesh/escrow/board"
	"github.com/workmesh/escrow/id"
	"github.com/workmesh/escrow/job"
	"github.com/workmesh/escrow/query"
	"github.com/workmesh/escrow/reward"
	"github.com/workmesh/escrow/stream"
)

// Handler dispatches wire frames to marketplace operations. The
// caller account for every operation is the connection's authenticated
// identity.
type Handler struct {
	board  *board.Board
	ledger *reward.Ledger
	query  *query.Service
	broker *stream.Broker
	logger *slog.Logger
}

// NewHandler creates a new wire method handler.
func NewHandler(b *board.Board, ledger *reward.Ledger, q *query.Service, broker *stream.Broker, logger *slog.Logger) *Handler {
	return &Handler{board: b, ledger: ledger, query: q, broker: broker, logger: logger}
}

// Handle processes a single request frame and returns a response.
func (h *Handler) Handle(ctx context.Context, frame *Frame, conn *Connection) *Frame {
	caller := id.Nil
	if conn.Identity != nil {
		caller = conn.Identity.Account
	}

	switch frame.Method {
	case MethodJobCreate:
		return h.handleJobCreate(ctx, frame, caller)
	case MethodJobFund:
		return h.handleJobFund(ctx, frame, caller)
	case MethodJobApply:
		return h.handleJobApply(ctx, frame, caller)
	case MethodJobWithdraw:
		return h.handleJobWithdraw(ctx, frame, caller)
	case MethodJobOffer:
		return h.handleJobOffer(ctx, frame, caller)
	case MethodJobRescind:
		return h.handleJobRescind(ctx, frame, caller)
	case MethodJobAccept:
		return h.handleJobAccept(ctx, frame, caller)
	case MethodJobEnd:
		return h.handleJobEnd(ctx, frame, caller)
	case MethodJobCancel:
		return h.handleJobCancel(ctx, frame, caller)
	case MethodJobRefund:
		return h.handleJobRefund(ctx, frame, caller)
	case MethodJobClaim:
		return h.handleJobClaim(ctx, frame, caller)
	case MethodJobGet:
		return h.handleJobGet(ctx, frame)
	case MethodJobList:
		return h.handleJobList(ctx, frame)
	case MethodPoolStake:
		return h.handlePoolStake(ctx, frame, caller)
	case MethodPoolUnstake:
		return h.handlePoolUnstake(ctx, frame, caller)
	case MethodPoolClaim:
		return h.handlePoolClaim(ctx, frame, caller)
	case MethodPoolGet:
		return h.handlePoolGet(ctx, frame, caller)
	case MethodPoolList:
		return h.handlePoolList(ctx, frame)
	case MethodSubscribe:
		return h.handleSubscribe(frame)
	case MethodUnsubscribe:
		return h.handleUnsubscribe(frame)
	case MethodStats:
		return h.handleStats(frame)
	default:
		return NewErrorFrame(frame.ID, ErrCodeMethodNotFound, "unknown method: "+frame.Method)
	}
}

// mustResponseFrame creates a response frame, returning an error frame
// on marshal failure.
func mustResponseFrame(frameID string, data any) *Frame {
	resp, err := NewResponseFrame(frameID, data)
	if err != nil {
		return NewErrorFrame(frameID, ErrCodeInternal, "marshal response: "+err.Error())
	}
	return resp
}

// errorFrame maps marketplace errors to wire error codes.
func errorFrame(frameID string, err error) *Frame {
	code := ErrCodeInternal
	switch {
	case errors.Is(err, escrow.ErrJobNotFound),
		errors.Is(err, escrow.ErrPoolNotFound),
		errors.Is(err, escrow.ErrSnapshotNotFound):
		code = ErrCodeNotFound
	case errors.Is(err, escrow.ErrNotManager),
		errors.Is(err, escrow.ErrNotWorker),
		errors.Is(err, escrow.ErrNotFunder):
		code = ErrCodeForbidden
	case errors.Is(err, escrow.ErrJobNotOpen),
		errors.Is(err, escrow.ErrJobNotWorking),
		errors.Is(err, escrow.ErrJobNotEnded),
		errors.Is(err, escrow.ErrNoOffer),
		errors.Is(err, escrow.ErrOfferMismatch),
		errors.Is(err, escrow.ErrAlreadyRefunded),
		errors.Is(err, escrow.ErrSnapshotClaimed):
		code = ErrCodeConflict
	case errors.Is(err, escrow.ErrZeroQuantity),
		errors.Is(err, escrow.ErrDurationRange),
		errors.Is(err, escrow.ErrInsufficientFunds),
		errors.Is(err, escrow.ErrInsufficientStake),
		errors.Is(err, escrow.ErrAmountOverflow):
		code = ErrCodeBadRequest
	}
	return NewErrorFrame(frameID, code, err.Error())
}

// ── Job board methods ───────────────────────────────

func (h *Handler) handleJobCreate(ctx context.Context, frame *Frame, caller id.AccountID) *Frame {
	var req JobCreateRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}

	tok, err := id.ParseTokenID(req.Token)
	if err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid token ID: "+err.Error())
	}

	j, err := h.board.Create(ctx, caller, req.Title, req.Description, tok, req.Quantity,
		time.Duration(req.DurationSeconds)*time.Second)
	if err != nil {
		return errorFrame(frame.ID, err)
	}

	return mustResponseFrame(frame.ID, JobCreateResponse{
		JobID:  j.ID,
		Status: string(job.StatusCreated),
	})
}

func (h *Handler) handleJobFund(ctx context.Context, frame *Frame, caller id.AccountID) *Frame {
	var req JobFundRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}
	if err := h.board.Fund(ctx, caller, req.JobID, req.Quantity); err != nil {
		return errorFrame(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, AmountResponse{JobID: req.JobID, Amount: req.Quantity})
}

func (h *Handler) handleJobApply(ctx context.Context, frame *Frame, caller id.AccountID) *Frame {
	var req JobIDRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}
	if err := h.board.Apply(ctx, caller, req.JobID); err != nil {
		return errorFrame(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, map[string]string{"status": "applied"})
}

func (h *Handler) handleJobWithdraw(ctx context.Context, frame *Frame, caller id.AccountID) *Frame {
	var req JobIDRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}
	if err := h.board.WithdrawApplication(ctx, caller, req.JobID); err != nil {
		return errorFrame(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, map[string]string{"status": "withdrawn"})
}

func (h *Handler) handleJobOffer(ctx context.Context, frame *Frame, caller id.AccountID) *Frame {
	var req JobOfferRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}

	offer := &job.Offer{Commitment: req.Commitment}
	if req.Candidate != "" {
		candidate, err := id.ParseAccountID(req.Candidate)
		if err != nil {
			return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid candidate ID: "+err.Error())
		}
		offer.Candidate = candidate
	}

	if err := h.board.Offer(ctx, caller, req.JobID, offer); err != nil {
		return errorFrame(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, map[string]string{"status": "offered"})
}

func (h *Handler) handleJobRescind(ctx context.Context, frame *Frame, caller id.AccountID) *Frame {
	var req JobIDRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}
	if err := h.board.Rescind(ctx, caller, req.JobID); err != nil {
		return errorFrame(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, map[string]string{"status": "rescinded"})
}

func (h *Handler) handleJobAccept(ctx context.Context, frame *Frame, caller id.AccountID) *Frame {
	var req JobAcceptRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}
	if err := h.board.Accept(ctx, caller, req.JobID, req.Secret); err != nil {
		return errorFrame(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, map[string]string{"status": "working"})
}

func (h *Handler) handleJobEnd(ctx context.Context, frame *Frame, caller id.AccountID) *Frame {
	var req JobIDRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}
	if err := h.board.End(ctx, caller, req.JobID); err != nil {
		return errorFrame(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, map[string]string{"status": "ended"})
}

func (h *Handler) handleJobCancel(ctx context.Context, frame *Frame, caller id.AccountID) *Frame {
	var req JobIDRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}
	if err := h.board.Cancel(ctx, caller, req.JobID); err != nil {
		return errorFrame(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, map[string]string{"status": "cancelled"})
}

func (h *Handler) handleJobRefund(ctx context.Context, frame *Frame, caller id.AccountID) *Frame {
	var req JobRefundRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}

	funder := caller
	if req.Funder != "" {
		parsed, err := id.ParseAccountID(req.Funder)
		if err != nil {
			return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid funder ID: "+err.Error())
		}
		funder = parsed
	}

	amount, err := h.board.Refund(ctx, caller, req.JobID, funder)
	if err != nil {
		return errorFrame(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, AmountResponse{JobID: req.JobID, Amount: amount})
}

func (h *Handler) handleJobClaim(ctx context.Context, frame *Frame, caller id.AccountID) *Frame {
	var req JobClaimRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}

	to := caller
	if req.To != "" {
		parsed, err := id.ParseAccountID(req.To)
		if err != nil {
			return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid payout ID: "+err.Error())
		}
		to = parsed
	}

	amount, err := h.board.Claim(ctx, caller, req.JobID, to)
	if err != nil {
		return errorFrame(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, AmountResponse{JobID: req.JobID, Amount: amount})
}

func (h *Handler) handleJobGet(ctx context.Context, frame *Frame) *Frame {
	var req JobIDRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}

	view, err := h.query.Job(ctx, req.JobID)
	if err != nil {
		return errorFrame(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, view)
}

func (h *Handler) handleJobList(ctx context.Context, frame *Frame) *Frame {
	var req JobListRequest
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
		}
	}

	opts := job.ListOpts{Limit: req.Limit, Offset: req.Offset}
	if req.Manager != "" {
		manager, err := id.ParseAccountID(req.Manager)
		if err != nil {
			return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid manager ID: "+err.Error())
		}
		opts.Manager = manager
	}
	if req.Token != "" {
		tok, err := id.ParseTokenID(req.Token)
		if err != nil {
			return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid token ID: "+err.Error())
		}
		opts.Token = tok
	}

	page, err := h.query.Jobs(ctx, opts)
	if err != nil {
		return errorFrame(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, page)
}

// ── Reward pool methods ─────────────────────────────

func (h *Handler) handlePoolStake(ctx context.Context, frame *Frame, caller id.AccountID) *Frame {
	recipient, stakeToken, req, errFrame := parsePoolStake(frame)
	if errFrame != nil {
		return errFrame
	}
	if err := h.ledger.Stake(ctx, recipient, stakeToken, caller, req.Quantity); err != nil {
		return errorFrame(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, map[string]string{"status": "staked"})
}

func (h *Handler) handlePoolUnstake(ctx context.Context, frame *Frame, caller id.AccountID) *Frame {
	recipient, stakeToken, req, errFrame := parsePoolStake(frame)
	if errFrame != nil {
		return errFrame
	}
	if err := h.ledger.Unstake(ctx, recipient, stakeToken, caller, req.Quantity); err != nil {
		return errorFrame(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, map[string]string{"status": "unstaked"})
}

func parsePoolStake(frame *Frame) (id.AccountID, id.TokenID, *PoolStakeRequest, *Frame) {
	var req PoolStakeRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return id.Nil, id.Nil, nil, NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}
	recipient, err := id.ParseAccountID(req.Recipient)
	if err != nil {
		return id.Nil, id.Nil, nil, NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid recipient ID: "+err.Error())
	}
	stakeToken, err := id.ParseTokenID(req.StakeToken)
	if err != nil {
		return id.Nil, id.Nil, nil, NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid stake token ID: "+err.Error())
	}
	return recipient, stakeToken, &req, nil
}

func (h *Handler) handlePoolClaim(ctx context.Context, frame *Frame, caller id.AccountID) *Frame {
	var req PoolClaimRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}

	recipient, err := id.ParseAccountID(req.Recipient)
	if err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid recipient ID: "+err.Error())
	}
	stakeToken, err := id.ParseTokenID(req.StakeToken)
	if err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid stake token ID: "+err.Error())
	}

	payouts, err := h.ledger.Claim(ctx, recipient, stakeToken, caller, req.Snapshots)
	if err != nil {
		return errorFrame(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, payouts)
}

func (h *Handler) handlePoolGet(ctx context.Context, frame *Frame, caller id.AccountID) *Frame {
	var req PoolGetRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}

	recipient, err := id.ParseAccountID(req.Recipient)
	if err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid recipient ID: "+err.Error())
	}
	stakeToken, err := id.ParseTokenID(req.StakeToken)
	if err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid stake token ID: "+err.Error())
	}

	backer := caller
	if req.Backer != "" {
		parsed, parseErr := id.ParseAccountID(req.Backer)
		if parseErr != nil {
			return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid backer ID: "+parseErr.Error())
		}
		backer = parsed
	}

	summary, err := h.query.Pool(ctx, recipient, stakeToken, backer)
	if err != nil {
		return errorFrame(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, summary)
}

func (h *Handler) handlePoolList(ctx context.Context, frame *Frame) *Frame {
	var req PoolListRequest
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
		}
	}

	opts := reward.ListOpts{Limit: req.Limit, Offset: req.Offset}
	if req.Recipient != "" {
		recipient, err := id.ParseAccountID(req.Recipient)
		if err != nil {
			return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid recipient ID: "+err.Error())
		}
		opts.Recipient = recipient
	}

	summaries, err := h.query.Pools(ctx, opts)
	if err != nil {
		return errorFrame(frame.ID, err)
	}
	return mustResponseFrame(frame.ID, summaries)
}

// ── Subscriptions and admin ─────────────────────────

func (h *Handler) handleSubscribe(frame *Frame) *Frame {
	var req SubscribeRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}

	if err := stream.ValidateTopic(req.Channel); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, err.Error())
	}

	// Actual subscription is done in the server loop after response is sent.
	return mustResponseFrame(frame.ID, map[string]string{
		"channel": req.Channel,
		"status":  "subscribed",
	})
}

func (h *Handler) handleUnsubscribe(frame *Frame) *Frame {
	var req UnsubscribeRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}

	// Actual unsubscription is done in the server loop after response is sent.
	return mustResponseFrame(frame.ID, map[string]string{
		"channel": req.Channel,
		"status":  "unsubscribed",
	})
}

func (h *Handler) handleStats(frame *Frame) *Frame {
	return mustResponseFrame(frame.ID, map[string]any{
		"broker": h.broker.Stats(),
	})
}
