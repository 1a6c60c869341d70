package ledger_test

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iggydv12/coopsync/internal/ledger"
	"github.com/iggydv12/coopsync/internal/protocol"
	"github.com/iggydv12/coopsync/internal/storage/local"
)

func newLedger(t *testing.T, j ledger.Journal) *ledger.Ledger {
	t.Helper()
	return ledger.New(1000, j, nil, zap.NewNop())
}

func TestIdempotentTransfer(t *testing.T) {
	l := newLedger(t, nil)

	ok, bal := l.Transfer(1, -200, 5)
	assert.True(t, ok)
	assert.Equal(t, uint64(800), bal)

	ok, bal = l.Transfer(1, -200, 5)
	assert.False(t, ok)
	assert.Equal(t, uint64(800), bal)
	assert.True(t, l.Processed(1, 5))

	// same nonce on another peer is independent
	ok, _ = l.Transfer(2, -200, 5)
	assert.True(t, ok)
}

func TestNonNegative(t *testing.T) {
	l := newLedger(t, nil)

	ok, bal := l.Transfer(1, -1001, 1)
	assert.False(t, ok)
	assert.Equal(t, uint64(1000), bal)
	assert.False(t, l.Processed(1, 1))

	ok, bal = l.Transfer(1, -1000, 2)
	assert.True(t, ok)
	assert.Zero(t, bal)

	ok, _ = l.Transfer(1, math.MinInt64, 3)
	assert.False(t, ok)
}

func TestOverflowRejected(t *testing.T) {
	l := newLedger(t, nil)
	require.NoError(t, l.SetBalance(1, math.MaxUint64-10))

	ok, bal := l.Transfer(1, 11, 1)
	assert.False(t, ok)
	assert.Equal(t, uint64(math.MaxUint64-10), bal)

	ok, bal = l.Transfer(1, 10, 2)
	assert.True(t, ok)
	assert.Equal(t, uint64(math.MaxUint64), bal)
}

func TestConservation(t *testing.T) {
	l := newLedger(t, nil)
	deltas := []int64{50, -300, 25, -900, 400, -100}

	var sum int64
	for i, d := range deltas {
		if ok, _ := l.Transfer(9, d, uint64(i)); ok {
			sum += d
		}
	}
	assert.Equal(t, uint64(1000+sum), l.Balance(9))
}

func TestConcurrentRetries(t *testing.T) {
	l := newLedger(t, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// 8 distinct nonces each retried 8 times
			if ok, _ := l.Transfer(3, -10, uint64(i%8)); ok {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 8, accepted)
	assert.Equal(t, uint64(920), l.Balance(3))
}

func TestResetSessionKeepsBalances(t *testing.T) {
	l := newLedger(t, nil)
	l.Transfer(1, 100, 7)

	require.NoError(t, l.ResetSession())
	assert.False(t, l.Processed(1, 7))
	assert.Equal(t, uint64(1100), l.Balance(1))

	ok, bal := l.Transfer(1, 100, 7)
	assert.True(t, ok)
	assert.Equal(t, uint64(1200), bal)
}

func TestSnapshotAndPeers(t *testing.T) {
	l := newLedger(t, nil)
	assert.Equal(t, uint64(1000), l.Balance(42))
	assert.Empty(t, l.Snapshot())

	l.Transfer(5, 1, 1)
	l.Transfer(2, -1, 1)
	assert.Equal(t, map[protocol.PeerID]uint64{5: 1001, 2: 999}, l.Snapshot())
	assert.Equal(t, []protocol.PeerID{2, 5}, l.Peers())
}

func TestJournalSurvivesRestart(t *testing.T) {
	store := local.NewPebbleStorage(t.TempDir()+"/ledger", zap.NewNop())
	require.NoError(t, store.Init())
	t.Cleanup(func() { store.Close() })

	l := newLedger(t, ledger.NewStoreJournal(store))
	ok, _ := l.Transfer(1, -250, 11)
	require.True(t, ok)
	ok, _ = l.Transfer(2, 40, 3)
	require.True(t, ok)

	restarted := newLedger(t, ledger.NewStoreJournal(store))
	require.NoError(t, restarted.Load())
	assert.Equal(t, uint64(750), restarted.Balance(1))
	assert.Equal(t, uint64(1040), restarted.Balance(2))

	// a retry that arrives after the restart is still a duplicate
	ok, bal := restarted.Transfer(1, -250, 11)
	assert.False(t, ok)
	assert.Equal(t, uint64(750), bal)

	require.NoError(t, restarted.ResetSession())
	again := newLedger(t, ledger.NewStoreJournal(store))
	require.NoError(t, again.Load())
	assert.False(t, again.Processed(1, 11))
	assert.Equal(t, uint64(750), again.Balance(1))
}

type failingJournal struct{ ledger.Journal }

func (failingJournal) Record(protocol.PeerID, uint64, uint64) error {
	return errors.New("disk full")
}

func TestJournalFailureRejects(t *testing.T) {
	l := newLedger(t, failingJournal{})

	ok, bal := l.Transfer(1, 10, 1)
	assert.False(t, ok)
	assert.Equal(t, uint64(1000), bal)
	assert.False(t, l.Processed(1, 1))
}
