package escrow

import "errors"

var (
	// Store errors.
	ErrNoStore       = errors.New("escrow: no store configured")
	ErrNoTokenLedger = errors.New("escrow: no token ledger configured")
	ErrStoreClosed   = errors.New("escrow: store closed")

	// Not found errors.
	ErrJobNotFound      = errors.New("escrow: job not found")
	ErrPoolNotFound     = errors.New("escrow: pool not found")
	ErrSnapshotNotFound = errors.New("escrow: snapshot not found")
	ErrEventNotFound    = errors.New("escrow: event not found")

	// Conflict errors.
	ErrJobAlreadyExists  = errors.New("escrow: job already exists")
	ErrPoolAlreadyExists = errors.New("escrow: pool already exists")

	// State errors.
	ErrJobNotOpen    = errors.New("escrow: job is no longer open")
	ErrJobNotWorking = errors.New("escrow: job has no active worker")
	ErrJobNotEnded   = errors.New("escrow: job has not ended")
	ErrJobEnded      = errors.New("escrow: job already ended")
	ErrNoOffer       = errors.New("escrow: no offer outstanding")

	// Authorization errors.
	ErrNotManager = errors.New("escrow: caller is not the job manager")
	ErrNotWorker  = errors.New("escrow: caller is not the assigned worker")
	ErrNotFunder  = errors.New("escrow: caller has no recorded contribution")

	// Validation errors.
	ErrZeroQuantity     = errors.New("escrow: quantity must be positive")
	ErrDurationRange    = errors.New("escrow: duration out of range")
	ErrFeeRange         = errors.New("escrow: fee exceeds the basis-point scale")
	ErrZeroSupplyPolicy = errors.New("escrow: unknown zero-supply policy")
	ErrOfferMismatch    = errors.New("escrow: offer does not match caller")
	ErrAmountOverflow   = errors.New("escrow: settlement arithmetic overflow")

	// Transfer errors.
	ErrTransferFailed    = errors.New("escrow: token transfer failed")
	ErrInsufficientFunds = errors.New("escrow: insufficient token balance")
	ErrInsufficientStake = errors.New("escrow: insufficient staked balance")

	// Already-claimed errors.
	ErrAlreadyRefunded = errors.New("escrow: refund already paid")
	ErrSnapshotClaimed = errors.New("escrow: snapshot already claimed")
)
