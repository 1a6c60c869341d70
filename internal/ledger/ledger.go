// Package ledger provides the idempotent economy ledger. Every balance mutation is keyed
// by (peer, nonce) so a retried request lands at most once.
package ledger

import (
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/iggydv12/coopsync/internal/metrics"
	"github.com/iggydv12/coopsync/internal/protocol"
)

// DefaultStartingBalance is credited to a peer the first time the ledger sees it.
const DefaultStartingBalance uint64 = 10000

type account struct {
	mu        sync.Mutex
	balance   uint64
	processed map[uint64]struct{}
}

// Ledger owns every peer balance and the processed-nonce set.
// Operations on one peer are serialized; different peers proceed in parallel.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[protocol.PeerID]*account
	starting uint64
	journal  Journal
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// New creates a Ledger. journal and m may be nil.
func New(startingBalance uint64, journal Journal, m *metrics.Metrics, logger *zap.Logger) *Ledger {
	return &Ledger{
		accounts: make(map[protocol.PeerID]*account),
		starting: startingBalance,
		journal:  journal,
		metrics:  m,
		logger:   logger,
	}
}

func (l *Ledger) account(peer protocol.PeerID) *account {
	l.mu.RLock()
	a, ok := l.accounts[peer]
	l.mu.RUnlock()
	if ok {
		return a
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok = l.accounts[peer]; !ok {
		a = &account{balance: l.starting, processed: make(map[uint64]struct{})}
		l.accounts[peer] = a
	}
	return a
}

// Transfer applies delta to peer's balance once per nonce. It returns whether the
// transfer was accepted and the balance after the call.
func (l *Ledger) Transfer(peer protocol.PeerID, delta int64, nonce uint64) (bool, uint64) {
	a := l.account(peer)
	a.mu.Lock()
	defer a.mu.Unlock()

	reject := func(reason string) (bool, uint64) {
		l.logger.Debug("Transfer rejected",
			zap.Uint32("peer", uint32(peer)),
			zap.Int64("delta", delta),
			zap.Uint64("nonce", nonce),
			zap.String("reason", reason))
		l.metrics.Transfer(false)
		return false, a.balance
	}

	if _, seen := a.processed[nonce]; seen {
		return reject("duplicate")
	}

	var next uint64
	if delta < 0 {
		debit := magnitude(delta)
		if a.balance < debit {
			return reject("insufficient funds")
		}
		next = a.balance - debit
	} else {
		if a.balance > math.MaxUint64-uint64(delta) {
			return reject("overflow")
		}
		next = a.balance + uint64(delta)
	}

	if l.journal != nil {
		if err := l.journal.Record(peer, nonce, next); err != nil {
			l.logger.Error("Ledger journal write failed", zap.Uint32("peer", uint32(peer)), zap.Error(err))
			return reject("journal")
		}
	}

	a.balance = next
	a.processed[nonce] = struct{}{}
	l.metrics.Transfer(true)
	return true, next
}

// magnitude returns |d| for negative d without overflowing on math.MinInt64.
func magnitude(d int64) uint64 {
	return uint64(-(d + 1)) + 1
}

// Balance returns peer's balance. Unknown peers report the starting balance.
func (l *Ledger) Balance(peer protocol.PeerID) uint64 {
	l.mu.RLock()
	a, ok := l.accounts[peer]
	l.mu.RUnlock()
	if !ok {
		return l.starting
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balance
}

// SetBalance overwrites peer's balance outside the nonce protocol.
func (l *Ledger) SetBalance(peer protocol.PeerID, balance uint64) error {
	a := l.account(peer)
	a.mu.Lock()
	defer a.mu.Unlock()
	if l.journal != nil {
		if err := l.journal.SetBalance(peer, balance); err != nil {
			return err
		}
	}
	a.balance = balance
	return nil
}

// Processed reports whether (peer, nonce) has already been accepted.
func (l *Ledger) Processed(peer protocol.PeerID, nonce uint64) bool {
	l.mu.RLock()
	a, ok := l.accounts[peer]
	l.mu.RUnlock()
	if !ok {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	_, seen := a.processed[nonce]
	return seen
}

// ResetSession forgets every processed nonce and keeps balances.
func (l *Ledger) ResetSession() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, a := range l.accounts {
		a.mu.Lock()
	}
	defer func() {
		for _, a := range l.accounts {
			a.mu.Unlock()
		}
	}()

	if l.journal != nil {
		if err := l.journal.Reset(); err != nil {
			return err
		}
	}
	for _, a := range l.accounts {
		a.processed = make(map[uint64]struct{})
	}
	l.logger.Info("Ledger session reset", zap.Int("accounts", len(l.accounts)))
	return nil
}

// Snapshot returns a copy of every known balance.
func (l *Ledger) Snapshot() map[protocol.PeerID]uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[protocol.PeerID]uint64, len(l.accounts))
	for peer, a := range l.accounts {
		a.mu.Lock()
		out[peer] = a.balance
		a.mu.Unlock()
	}
	return out
}

// Peers returns every known peer in ascending order.
func (l *Ledger) Peers() []protocol.PeerID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]protocol.PeerID, 0, len(l.accounts))
	for peer := range l.accounts {
		out = append(out, peer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Load replaces in-memory state with what the journal holds.
func (l *Ledger) Load() error {
	if l.journal == nil {
		return nil
	}
	state, err := l.journal.Load()
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts = make(map[protocol.PeerID]*account, len(state))
	for peer, s := range state {
		a := &account{balance: s.Balance, processed: make(map[uint64]struct{}, len(s.Nonces))}
		for _, n := range s.Nonces {
			a.processed[n] = struct{}{}
		}
		l.accounts[peer] = a
	}
	l.logger.Info("Ledger restored from journal", zap.Int("accounts", len(state)))
	return nil
}
