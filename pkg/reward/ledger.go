package reward

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/raulk/clock"
)

// SystemAccount collects storage charges and pays out rewards
const SystemAccount = "system"

// Transaction kinds
const (
	KindTransfer = "transfer"
	KindStorage  = "storage"
	KindReward   = "reward"
)

var (
	ErrAccountExists       = errors.New("account already exists")
	ErrAccountNotFound     = errors.New("account not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid amount")
)

// Transaction is one balance movement
type Transaction struct {
	FromID    string    `json:"from"`
	ToID      string    `json:"to"`
	Amount    uint64    `json:"amount"`
	Kind      string    `json:"kind"`
	Memo      string    `json:"memo,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Account is a token balance
type Account struct {
	ID          string    `json:"id"`
	Balance     uint64    `json:"balance"`
	LastUpdated time.Time `json:"last_updated"`
}

// Ledger holds balances for storage charges and replica rewards. The system account
// is created with the ledger and may mint rewards beyond its balance.
type Ledger struct {
	clock clock.Clock

	mu           sync.RWMutex
	accounts     map[string]*Account
	transactions []Transaction
}

// NewLedger creates a ledger holding only the system account
func NewLedger(clk clock.Clock) *Ledger {
	if clk == nil {
		clk = clock.New()
	}
	l := &Ledger{
		clock:    clk,
		accounts: make(map[string]*Account),
	}
	l.accounts[SystemAccount] = &Account{ID: SystemAccount, LastUpdated: clk.Now()}
	return l
}

// CreateAccount creates a new account with an initial balance
func (l *Ledger) CreateAccount(id string, initial uint64) error {
	if id == "" {
		return fmt.Errorf("%w: empty account id", ErrAccountNotFound)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.accounts[id]; exists {
		return fmt.Errorf("%w: %s", ErrAccountExists, id)
	}
	l.accounts[id] = &Account{ID: id, Balance: initial, LastUpdated: l.clock.Now()}
	return nil
}

// EnsureAccount creates an empty account if id has none
func (l *Ledger) EnsureAccount(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.accounts[id]; !exists {
		l.accounts[id] = &Account{ID: id, LastUpdated: l.clock.Now()}
	}
}

// Balance returns an account's current balance
func (l *Ledger) Balance(id string) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	account, exists := l.accounts[id]
	if !exists {
		return 0, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	return account.Balance, nil
}

// Transfer moves amount between two accounts
func (l *Ledger) Transfer(from, to string, amount uint64, kind, memo string) error {
	if amount == 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	src, ok := l.accounts[from]
	if !ok {
		return fmt.Errorf("%w: sender %s", ErrAccountNotFound, from)
	}
	dst, ok := l.accounts[to]
	if !ok {
		return fmt.Errorf("%w: recipient %s", ErrAccountNotFound, to)
	}

	mint := from == SystemAccount && kind == KindReward
	if !mint && src.Balance < amount {
		return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientBalance, from, src.Balance, amount)
	}

	now := l.clock.Now()
	if mint && src.Balance < amount {
		src.Balance = 0
	} else {
		src.Balance -= amount
	}
	dst.Balance = satAdd(dst.Balance, amount)
	src.LastUpdated, dst.LastUpdated = now, now

	l.transactions = append(l.transactions, Transaction{
		FromID:    from,
		ToID:      to,
		Amount:    amount,
		Kind:      kind,
		Memo:      memo,
		Timestamp: now,
	})
	return nil
}

// Charge debits the price of a quote into the system account
func (l *Ledger) Charge(id string, q PriceQuote, memo string) error {
	if q.Price == 0 {
		return nil
	}
	return l.Transfer(id, SystemAccount, q.Price, KindStorage, memo)
}

// Credit pays a reward from the system account, creating the recipient's account if needed
func (l *Ledger) Credit(id string, amount uint64, memo string) error {
	if amount == 0 {
		return nil
	}
	l.EnsureAccount(id)
	return l.Transfer(SystemAccount, id, amount, KindReward, memo)
}

// History returns every transaction touching an account, oldest first
func (l *Ledger) History(id string) []Transaction {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var history []Transaction
	for _, tx := range l.transactions {
		if tx.FromID == id || tx.ToID == id {
			history = append(history, tx)
		}
	}
	return history
}

// Accounts returns every account ordered by id
func (l *Ledger) Accounts() []Account {
	l.mu.RLock()
	out := make([]Account, 0, len(l.accounts))
	for _, a := range l.accounts {
		out = append(out, *a)
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
