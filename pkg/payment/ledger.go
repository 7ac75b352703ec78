// Package payment aggregates agent payment claims and settles them when a
// session ends.
package payment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aixgo-dev/convene/pkg/session"
)

// ErrInvalidAmount is returned for non-positive claims.
var ErrInvalidAmount = errors.New("claim amount must be positive")

// Claim is one agent's running total within a session.
type Claim struct {
	Agent  string `json:"agent"`
	Amount int64  `json:"amount"`
	Count  int    `json:"count"`
}

// Settlement is the final record of a session's claims.
type Settlement struct {
	Namespace string    `json:"namespace"`
	SessionID string    `json:"sessionId"`
	Claims    []Claim   `json:"claims"`
	Total     int64     `json:"total"`
	SettledAt time.Time `json:"settledAt"`
}

// Ledger implements session.Payment in memory.
type Ledger struct {
	logger *zap.Logger
	now    func() time.Time

	mu          sync.Mutex
	open        map[session.Key]map[string]*Claim
	settlements map[session.Key]Settlement
}

// NewLedger creates an empty ledger.
func NewLedger(logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		logger:      logger,
		now:         time.Now,
		open:        make(map[session.Key]map[string]*Claim),
		settlements: make(map[session.Key]Settlement),
	}
}

// OnClaim implements session.Payment.
func (l *Ledger) OnClaim(_ context.Context, key session.Key, agent string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, settled := l.settlements[key]; settled {
		return fmt.Errorf("session %s already settled", key)
	}
	claims := l.open[key]
	if claims == nil {
		claims = make(map[string]*Claim)
		l.open[key] = claims
	}
	c := claims[agent]
	if c == nil {
		c = &Claim{Agent: agent}
		claims[agent] = c
	}
	c.Amount += amount
	c.Count++
	return nil
}

// OnSessionEnd implements session.Payment. Sessions without claims settle
// to an empty record.
func (l *Ledger) OnSessionEnd(_ context.Context, key session.Key) error {
	l.mu.Lock()
	if _, settled := l.settlements[key]; settled {
		l.mu.Unlock()
		return nil
	}
	st := Settlement{
		Namespace: key.Namespace,
		SessionID: key.ID,
		Claims:    []Claim{},
		SettledAt: l.now().UTC(),
	}
	for _, c := range l.open[key] {
		st.Claims = append(st.Claims, *c)
		st.Total += c.Amount
	}
	sort.Slice(st.Claims, func(i, j int) bool { return st.Claims[i].Agent < st.Claims[j].Agent })
	delete(l.open, key)
	l.settlements[key] = st
	l.mu.Unlock()

	l.logger.Info("session settled",
		zap.String("session", key.String()),
		zap.Int64("total", st.Total),
		zap.Int("claimants", len(st.Claims)))
	return nil
}

// Settlement returns the settlement of a session.
func (l *Ledger) Settlement(key session.Key) (Settlement, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.settlements[key]
	return st, ok
}

// Pending returns the unsettled claims of a session.
func (l *Ledger) Pending(key session.Key) []Claim {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Claim, 0, len(l.open[key]))
	for _, c := range l.open[key] {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })
	return out
}

// Prune drops settlements older than maxAge and returns how many were
// removed.
func (l *Ledger) Prune(maxAge time.Duration) int {
	cutoff := l.now().Add(-maxAge)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key, st := range l.settlements {
		if st.SettledAt.Before(cutoff) {
			delete(l.settlements, key)
			n++
		}
	}
	return n
}
