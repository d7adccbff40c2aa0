package llm

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Budget caps model calls per day. The counter resets at local midnight.
type Budget struct {
	mu         sync.Mutex
	dailyLimit int
	calls      int
	resetAt    time.Time
	now        func() time.Time
	logger     *zap.Logger
}

// NewBudget creates a budget; a limit of 0 or less means unlimited
func NewBudget(dailyLimit int, logger *zap.Logger) *Budget {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Budget{dailyLimit: dailyLimit, now: time.Now, logger: logger}
	b.resetAt = nextMidnight(b.now())
	return b
}

// Allow reserves one call or returns a *LimitError
func (b *Budget) Allow() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.resetIfNeeded()
	if b.dailyLimit > 0 && b.calls >= b.dailyLimit {
		return &LimitError{
			Type:    "daily_calls",
			Limit:   b.dailyLimit,
			Current: b.calls,
			Message: "daily model call limit reached",
		}
	}
	b.calls++
	return nil
}

// BudgetStats is a snapshot of the counter
type BudgetStats struct {
	Calls   int       `json:"calls"`
	Limit   int       `json:"limit"`
	ResetAt time.Time `json:"reset_at"`
}

func (b *Budget) Stats() BudgetStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetIfNeeded()
	return BudgetStats{Calls: b.calls, Limit: b.dailyLimit, ResetAt: b.resetAt}
}

func (b *Budget) resetIfNeeded() {
	now := b.now()
	if now.Before(b.resetAt) {
		return
	}
	b.calls = 0
	b.resetAt = nextMidnight(now)
	b.logger.Info("model call budget reset", zap.Time("next_reset", b.resetAt))
}

func nextMidnight(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
}

// Limited wraps a provider so every call draws from budget first
func Limited(p Provider, budget *Budget) Provider {
	if budget == nil {
		return p
	}
	return &limitedProvider{Provider: p, budget: budget}
}

type limitedProvider struct {
	Provider
	budget *Budget
}

func (l *limitedProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	if err := l.budget.Allow(); err != nil {
		return nil, err
	}
	return l.Provider.Complete(ctx, req)
}
