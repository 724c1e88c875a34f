package escrow

import "time"

// BpsDenominator is the basis-point scale for fee and worker rates.
// FeeBps + worker rate always sum to BpsDenominator: the fee is carved
// out of the escrowed quantity and only the remainder vests as wage.
const BpsDenominator = 10_000

// ZeroSupplyPolicy selects what happens to a reward deposited into a pool
// that has no backers at snapshot time.
type ZeroSupplyPolicy string

const (
	// ZeroSupplyRollForward carries the deposited quantity and folds it
	// into the next snapshot taken with a nonzero backing supply, so no
	// value is silently lost.
	ZeroSupplyRollForward ZeroSupplyPolicy = "roll_forward"

	// ZeroSupplyForfeit leaves the deposited quantity parked in the pool,
	// permanently unclaimable — the floor-the-divisor behavior.
	ZeroSupplyForfeit ZeroSupplyPolicy = "forfeit"
)

// Config holds configuration for the Marketplace.
type Config struct {
	// FeeBps is the marketplace fee, in basis points of the escrowed
	// quantity, taken at acceptance and routed to the worker's reward pool.
	FeeBps uint32

	// MaxDuration is the exclusive upper bound on job duration. It keeps
	// the quantity×elapsed products inside 128-bit intermediate range.
	MaxDuration time.Duration

	// ZeroSupply selects the zero-backing-supply deposit policy.
	ZeroSupply ZeroSupplyPolicy

	// AuditSchedule is the cron expression for the invariant auditor.
	// Supports 5-field cron and descriptors like "@every 1m".
	AuditSchedule string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		FeeBps:        1_000, // 10%
		MaxDuration:   10 * 365 * 24 * time.Hour,
		ZeroSupply:    ZeroSupplyRollForward,
		AuditSchedule: "@every 1m",
	}
}

// WorkerBps returns the worker's vesting rate in basis points.
func (c Config) WorkerBps() uint32 { return BpsDenominator - c.FeeBps }

// Validate reports whether the configuration is internally consistent.
func (c Config) Validate() error {
	if c.FeeBps > BpsDenominator {
		return ErrFeeRange
	}
	if c.MaxDuration <= 0 {
		return ErrDurationRange
	}
	switch c.ZeroSupply {
	case ZeroSupplyRollForward, ZeroSupplyForfeit:
	default:
		return ErrZeroSupplyPolicy
	}
	return nil
}
