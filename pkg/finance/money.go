package finance

import (
	"fmt"
	"sync"
)

// Money represents a monetary value in a specific currency.
// It uses integer math (minor units) to avoid floating point errors.
type Money struct {
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"` // ISO 4217 code
	Scale       int    `json:"scale"`    // e.g. 2 for USD/EUR, 8 for BTC
}

// NewMoney creates a new Money instance.
func NewMoney(amount int64, currency string) Money {
	// Default scale lookup could go here, for now assuming 2 for fiat
	scale := 2
	if currency == "BTC" || currency == "ETH" {
		scale = 8
	}
	return Money{
		AmountMinor: amount,
		Currency:    currency,
		Scale:       scale,
	}
}

// Add adds two Money amounts. Returns error on currency mismatch.
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	if m.Scale != other.Scale {
		return Money{}, fmt.Errorf("scale mismatch: %d vs %d", m.Scale, other.Scale)
	}
	return Money{
		AmountMinor: m.AmountMinor + other.AmountMinor,
		Currency:    m.Currency,
		Scale:       m.Scale,
	}, nil
}

// Sub subtracts other Money from m. Returns error on currency mismatch.
func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{
		AmountMinor: m.AmountMinor - other.AmountMinor,
		Currency:    m.Currency,
		Scale:       m.Scale,
	}, nil
}

// IsZero returns true if the amount is 0.
func (m Money) IsZero() bool {
	return m.AmountMinor == 0
}

// IsPositive returns true if the amount is > 0.
func (m Money) IsPositive() bool {
	return m.AmountMinor > 0
}

// IsNegative returns true if the amount is < 0.
func (m Money) IsNegative() bool {
	return m.AmountMinor < 0
}

// FormatMajor renders the amount in major units (e.g. 50000 minor @ scale 2
// -> "500.00"), for substitution into donor/hostel email templates.
func (m Money) FormatMajor() string {
	scale := m.Scale
	if scale <= 0 {
		scale = 2
	}
	divisor := int64(1)
	for i := 0; i < scale; i++ {
		divisor *= 10
	}
	whole := m.AmountMinor / divisor
	frac := m.AmountMinor % divisor
	if frac < 0 {
		frac = -frac
	}
	return fmt.Sprintf("%d.%0*d", whole, scale, frac)
}

// Budget is an in-memory spend cap against a single resource — a
// defense-in-depth guard layered in front of an authoritative store, never
// the source of truth itself.
type Budget struct {
	ID           string
	ResourceType string
	Limit        int64
	Consumed     int64
}

// Cost is one unit of spend to check and, if allowed, record against a
// Budget.
type Cost struct {
	Money Money
}

// InMemoryTracker enforces budgets fail-closed: Consume rejects any spend
// that would push a budget over its limit, and never partially applies one
// that is rejected.
type InMemoryTracker struct {
	mu      sync.Mutex
	budgets map[string]*Budget
}

// NewInMemoryTracker creates an empty tracker. Callers seed budgets by
// assigning into the tracker before use (see Seed).
func NewInMemoryTracker() *InMemoryTracker {
	return &InMemoryTracker{budgets: make(map[string]*Budget)}
}

// Seed installs or replaces the tracked budget for id.
func (t *InMemoryTracker) Seed(b Budget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := b
	t.budgets[b.ID] = &cp
}

// Consume checks cost against the named budget and, if it fits, records it.
// Fails closed: an unknown budget id or an over-limit cost is an error and
// no state changes.
func (t *InMemoryTracker) Consume(budgetID string, cost Cost) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.budgets[budgetID]
	if !ok {
		return fmt.Errorf("finance: unknown budget %q", budgetID)
	}
	if b.Consumed+cost.Money.AmountMinor > b.Limit {
		return fmt.Errorf("finance: budget %q exceeded: %d + %d > %d", budgetID, b.Consumed, cost.Money.AmountMinor, b.Limit)
	}
	b.Consumed += cost.Money.AmountMinor
	return nil
}
