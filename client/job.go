package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/workmesh/escrow/id"
	"github.com/workmesh/escrow/query"
	"github.com/workmesh/escrow/wire"
)

// CreateJob posts a new escrowed job and returns its ID. Quantity is
// the initial escrow in the given token; duration is the vesting
// window once a worker accepts.
func (c *Client) CreateJob(ctx context.Context, title, description string, tok id.TokenID, quantity uint64, duration time.Duration) (uint64, error) {
	resp, err := c.request(ctx, wire.MethodJobCreate, wire.JobCreateRequest{
		Title:           title,
		Description:     description,
		Token:           tok.String(),
		Quantity:        quantity,
		DurationSeconds: uint64(duration / time.Second),
	})
	if err != nil {
		return 0, err
	}

	var result wire.JobCreateResponse
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return 0, fmt.Errorf("unmarshal response: %w", err)
	}
	return result.JobID, nil
}

// FundJob adds escrow to an open job.
func (c *Client) FundJob(ctx context.Context, jobID, quantity uint64) error {
	_, err := c.request(ctx, wire.MethodJobFund, wire.JobFundRequest{
		JobID:    jobID,
		Quantity: quantity,
	})
	return err
}

// Apply registers the session account as a candidate for a job.
func (c *Client) Apply(ctx context.Context, jobID uint64) error {
	_, err := c.request(ctx, wire.MethodJobApply, wire.JobIDRequest{JobID: jobID})
	return err
}

// WithdrawApplication removes the session account's application.
func (c *Client) WithdrawApplication(ctx context.Context, jobID uint64) error {
	_, err := c.request(ctx, wire.MethodJobWithdraw, wire.JobIDRequest{JobID: jobID})
	return err
}

// Offer extends an open offer to a named candidate. Manager only.
func (c *Client) Offer(ctx context.Context, jobID uint64, candidate id.AccountID) error {
	_, err := c.request(ctx, wire.MethodJobOffer, wire.JobOfferRequest{
		JobID:     jobID,
		Candidate: candidate.String(),
	})
	return err
}

// OfferBlind extends a blind offer carrying a commitment hash. The
// chosen candidate accepts by revealing the matching secret.
func (c *Client) OfferBlind(ctx context.Context, jobID uint64, commitment []byte) error {
	_, err := c.request(ctx, wire.MethodJobOffer, wire.JobOfferRequest{
		JobID:      jobID,
		Commitment: commitment,
	})
	return err
}

// Rescind withdraws an outstanding offer. Manager only.
func (c *Client) Rescind(ctx context.Context, jobID uint64) error {
	_, err := c.request(ctx, wire.MethodJobRescind, wire.JobIDRequest{JobID: jobID})
	return err
}

// Accept takes up an outstanding offer and starts the vesting clock.
// Secret reveals a blind commitment; open offers pass nil.
func (c *Client) Accept(ctx context.Context, jobID uint64, secret []byte) error {
	_, err := c.request(ctx, wire.MethodJobAccept, wire.JobAcceptRequest{
		JobID:  jobID,
		Secret: secret,
	})
	return err
}

// End stops a working job before its duration elapses. Manager only.
func (c *Client) End(ctx context.Context, jobID uint64) error {
	_, err := c.request(ctx, wire.MethodJobEnd, wire.JobIDRequest{JobID: jobID})
	return err
}

// CancelJob cancels a job that never started working. Manager only.
func (c *Client) CancelJob(ctx context.Context, jobID uint64) error {
	_, err := c.request(ctx, wire.MethodJobCancel, wire.JobIDRequest{JobID: jobID})
	return err
}

// Refund reclaims the given funder's share of an ended job's unworked
// escrow and returns the amount paid out. A nil funder refunds the
// session account.
func (c *Client) Refund(ctx context.Context, jobID uint64, funder id.AccountID) (uint64, error) {
	req := wire.JobRefundRequest{JobID: jobID}
	if !funder.IsNil() {
		req.Funder = funder.String()
	}
	resp, err := c.request(ctx, wire.MethodJobRefund, req)
	if err != nil {
		return 0, err
	}
	return decodeAmount(resp.Data)
}

// ClaimWage pays out the worker's vested wage and returns the amount.
// A nil destination pays the session account.
func (c *Client) ClaimWage(ctx context.Context, jobID uint64, to id.AccountID) (uint64, error) {
	req := wire.JobClaimRequest{JobID: jobID}
	if !to.IsNil() {
		req.To = to.String()
	}
	resp, err := c.request(ctx, wire.MethodJobClaim, req)
	if err != nil {
		return 0, err
	}
	return decodeAmount(resp.Data)
}

// GetJob retrieves a job view by ID.
func (c *Client) GetJob(ctx context.Context, jobID uint64) (*query.JobView, error) {
	resp, err := c.request(ctx, wire.MethodJobGet, wire.JobIDRequest{JobID: jobID})
	if err != nil {
		return nil, err
	}
	var view query.JobView
	if err := json.Unmarshal(resp.Data, &view); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &view, nil
}

// ListJobs pages through jobs matching the request's filters.
func (c *Client) ListJobs(ctx context.Context, req wire.JobListRequest) (*query.JobPage, error) {
	resp, err := c.request(ctx, wire.MethodJobList, req)
	if err != nil {
		return nil, err
	}
	var page query.JobPage
	if err := json.Unmarshal(resp.Data, &page); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &page, nil
}

func decodeAmount(data json.RawMessage) (uint64, error) {
	var result wire.AmountResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return 0, fmt.Errorf("unmarshal response: %w", err)
	}
	return result.Amount, nil
}
