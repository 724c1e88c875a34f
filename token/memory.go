package token

import (
	"context"
	"sync"

	"github.com/workmesh/escrow"
	"github.com/workmesh/escrow/id"
	"github.com/workmesh/escrow/num"
)

// Ensure Memory implements Ledger at compile time.
var _ Ledger = (*Memory)(nil)

// Memory is a fully in-memory token ledger. Safe for concurrent access.
// Intended for unit testing and development.
type Memory struct {
	mu sync.RWMutex

	// balances maps token → account → quantity.
	balances map[string]map[string]uint64

	// allowances maps token → owner → spender → quantity.
	allowances map[string]map[string]map[string]uint64
}

// NewMemory returns a new empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		balances:   make(map[string]map[string]uint64),
		allowances: make(map[string]map[string]map[string]uint64),
	}
}

// Mint credits quantity of tok to the account. Test/dev helper; not part
// of the Ledger interface.
func (m *Memory) Mint(tok id.TokenID, account id.AnyID, quantity uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.tokenBalances(tok)
	bal[account.String()] += quantity
}

// Transfer moves quantity between accounts, failing on insufficient balance.
func (m *Memory) Transfer(_ context.Context, tok id.TokenID, from, to id.AnyID, quantity uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.move(tok, from, to, quantity)
}

// TransferFrom moves quantity from owner to to, consuming spender's allowance.
func (m *Memory) TransferFrom(_ context.Context, tok id.TokenID, spender, owner, to id.AnyID, quantity uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := m.allowance(tok, owner, spender)
	if allowed < quantity {
		return escrow.ErrTransferFailed
	}

	if err := m.move(tok, owner, to, quantity); err != nil {
		return err
	}

	m.allowances[tok.String()][owner.String()][spender.String()] = allowed - quantity
	return nil
}

// BalanceOf reports the account's balance of tok.
func (m *Memory) BalanceOf(_ context.Context, tok id.TokenID, account id.AnyID) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.balances[tok.String()][account.String()], nil
}

// Approve sets spender's allowance over the owner's tok balance.
func (m *Memory) Approve(_ context.Context, tok id.TokenID, owner, spender id.AnyID, quantity uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byOwner, ok := m.allowances[tok.String()]
	if !ok {
		byOwner = make(map[string]map[string]uint64)
		m.allowances[tok.String()] = byOwner
	}
	bySpender, ok := byOwner[owner.String()]
	if !ok {
		bySpender = make(map[string]uint64)
		byOwner[owner.String()] = bySpender
	}
	bySpender[spender.String()] = quantity
	return nil
}

// move debits from and credits to under the held lock.
func (m *Memory) move(tok id.TokenID, from, to id.AnyID, quantity uint64) error {
	bal := m.tokenBalances(tok)

	remaining, err := num.Sub(bal[from.String()], quantity)
	if err != nil {
		return escrow.ErrInsufficientFunds
	}

	credited, err := num.Add(bal[to.String()], quantity)
	if err != nil {
		return escrow.ErrAmountOverflow
	}

	bal[from.String()] = remaining
	bal[to.String()] = credited
	return nil
}

func (m *Memory) tokenBalances(tok id.TokenID) map[string]uint64 {
	bal, ok := m.balances[tok.String()]
	if !ok {
		bal = make(map[string]uint64)
		m.balances[tok.String()] = bal
	}
	return bal
}

func (m *Memory) allowance(tok id.TokenID, owner, spender id.AnyID) uint64 {
	return m.allowances[tok.String()][owner.String()][spender.String()]
}
