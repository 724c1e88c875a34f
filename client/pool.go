package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/workmesh/escrow/id"
	"github.com/workmesh/escrow/query"
	"github.com/workmesh/escrow/reward"
	"github.com/workmesh/escrow/wire"
)

// Stake backs a recipient's reward pool with the session account's
// stake tokens.
func (c *Client) Stake(ctx context.Context, recipient id.AccountID, stakeToken id.TokenID, quantity uint64) error {
	_, err := c.request(ctx, wire.MethodPoolStake, wire.PoolStakeRequest{
		Recipient:  recipient.String(),
		StakeToken: stakeToken.String(),
		Quantity:   quantity,
	})
	return err
}

// Unstake withdraws the session account's backing from a pool.
func (c *Client) Unstake(ctx context.Context, recipient id.AccountID, stakeToken id.TokenID, quantity uint64) error {
	_, err := c.request(ctx, wire.MethodPoolUnstake, wire.PoolStakeRequest{
		Recipient:  recipient.String(),
		StakeToken: stakeToken.String(),
		Quantity:   quantity,
	})
	return err
}

// ClaimRewards claims the session account's share of the given reward
// snapshots and returns the per-token payouts.
func (c *Client) ClaimRewards(ctx context.Context, recipient id.AccountID, stakeToken id.TokenID, snapshots []uint64) ([]reward.Payout, error) {
	resp, err := c.request(ctx, wire.MethodPoolClaim, wire.PoolClaimRequest{
		Recipient:  recipient.String(),
		StakeToken: stakeToken.String(),
		Snapshots:  snapshots,
	})
	if err != nil {
		return nil, err
	}
	var payouts []reward.Payout
	if err := json.Unmarshal(resp.Data, &payouts); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return payouts, nil
}

// GetPool retrieves a pool summary. A nil backer reports the session
// account's claim state.
func (c *Client) GetPool(ctx context.Context, recipient id.AccountID, stakeToken id.TokenID, backer id.AccountID) (*query.PoolSummary, error) {
	req := wire.PoolGetRequest{
		Recipient:  recipient.String(),
		StakeToken: stakeToken.String(),
	}
	if !backer.IsNil() {
		req.Backer = backer.String()
	}
	resp, err := c.request(ctx, wire.MethodPoolGet, req)
	if err != nil {
		return nil, err
	}
	var summary query.PoolSummary
	if err := json.Unmarshal(resp.Data, &summary); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &summary, nil
}

// ListPools pages through reward pools matching the request's filters.
func (c *Client) ListPools(ctx context.Context, req wire.PoolListRequest) ([]*query.PoolSummary, error) {
	resp, err := c.request(ctx, wire.MethodPoolList, req)
	if err != nil {
		return nil, err
	}
	var summaries []*query.PoolSummary
	if err := json.Unmarshal(resp.Data, &summaries); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return summaries, nil
}
