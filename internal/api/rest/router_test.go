package rest_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iggydv12/coopsync/internal/api/rest"
	"github.com/iggydv12/coopsync/internal/connection"
	"github.com/iggydv12/coopsync/internal/ledger"
	"github.com/iggydv12/coopsync/internal/metrics"
	"github.com/iggydv12/coopsync/internal/protocol"
	"github.com/iggydv12/coopsync/internal/session"
	"github.com/iggydv12/coopsync/internal/storage/local"
)

type fakePeers struct {
	status  []connection.Status
	dropped []protocol.PeerID
}

func (f *fakePeers) Status() []connection.Status { return f.status }

func (f *fakePeers) Disconnect(peer protocol.PeerID, _ string) bool {
	for _, st := range f.status {
		if st.Peer == peer {
			f.dropped = append(f.dropped, peer)
			return true
		}
	}
	return false
}

type fakePool struct{ workers int }

func (p *fakePool) Workers() int { return p.workers }
func (p *fakePool) Pending() int { return 2 }
func (p *fakePool) Resize(n int) { p.workers = n }

type fixture struct {
	handler  http.Handler
	peers    *fakePeers
	ledger   *ledger.Ledger
	sessions *session.Store
}

func setup(t *testing.T) *fixture {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	blobs := local.NewPebbleStorage(filepath.Join(t.TempDir(), "db"), zap.NewNop())
	require.NoError(t, blobs.Init())
	t.Cleanup(func() { blobs.Close() })

	cacheRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(cacheRoot, "7"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cacheRoot, "7", "a.bin"), make([]byte, 100), 0o644))

	f := &fixture{
		peers: &fakePeers{status: []connection.Status{
			{Peer: 2, State: "InGame", RTTMs: 40},
			{Peer: 3, State: "Lobby"},
		}},
		ledger:   ledger.New(1000, nil, m, zap.NewNop()),
		sessions: session.NewStore(blobs, 4, zap.NewNop()),
	}
	f.handler = rest.New(rest.Deps{
		Peers:     f.peers,
		Ledger:    f.ledger,
		Pool:      &fakePool{workers: 4},
		Sessions:  f.sessions,
		CacheRoot: cacheRoot,
		Gatherer:  reg,
	}, zap.NewNop()).Handler()
	return f
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestPeers(t *testing.T) {
	f := setup(t)

	w := do(t, f.handler, http.MethodGet, "/coop/peers", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []connection.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list, 2)

	w = do(t, f.handler, http.MethodGet, "/coop/peers/2", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"InGame"`)

	assert.Equal(t, http.StatusNotFound, do(t, f.handler, http.MethodGet, "/coop/peers/9", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, f.handler, http.MethodGet, "/coop/peers/abc", "").Code)

	w = do(t, f.handler, http.MethodPost, "/coop/peers/3/disconnect", `{"reason":"afk"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []protocol.PeerID{3}, f.peers.dropped)
}

func TestLedgerTransferIsIdempotent(t *testing.T) {
	f := setup(t)

	w := do(t, f.handler, http.MethodPost, "/coop/ledger/5/transfer", `{"delta":250,"nonce":1}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"accepted":true,"balance":1250}`, w.Body.String())

	w = do(t, f.handler, http.MethodPost, "/coop/ledger/5/transfer", `{"delta":250,"nonce":1}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.JSONEq(t, `{"accepted":false,"balance":1250}`, w.Body.String())

	w = do(t, f.handler, http.MethodGet, "/coop/ledger/5", "")
	assert.JSONEq(t, `{"peer":5,"balance":1250}`, w.Body.String())

	w = do(t, f.handler, http.MethodGet, "/coop/ledger", "")
	assert.JSONEq(t, `{"5":1250}`, w.Body.String())
}

func TestCachePoolAndMetrics(t *testing.T) {
	f := setup(t)

	w := do(t, f.handler, http.MethodGet, "/coop/cache", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"totalBytes":100`)

	w = do(t, f.handler, http.MethodGet, "/coop/pool", "")
	assert.JSONEq(t, `{"workers":4,"pending":2}`, w.Body.String())

	w = do(t, f.handler, http.MethodPost, "/coop/pool", `{"workers":8}`)
	assert.JSONEq(t, `{"workers":8,"pending":2}`, w.Body.String())
	assert.Equal(t, http.StatusBadRequest, do(t, f.handler, http.MethodPost, "/coop/pool", `{"workers":0}`).Code)

	f.ledger.Transfer(1, 1, 1)
	w = do(t, f.handler, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "coopsync_ledger_transfers_total"))
}

func TestSessions(t *testing.T) {
	f := setup(t)
	id := session.NewID()

	assert.Equal(t, http.StatusNotFound, do(t, f.handler, http.MethodGet, "/coop/sessions/"+id, "").Code)

	for tick := uint64(1); tick <= 3; tick++ {
		_, err := f.sessions.Save(session.State{ID: id, Tick: tick * 100})
		require.NoError(t, err)
	}

	w := do(t, f.handler, http.MethodGet, "/coop/sessions/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"tick":300`)

	w = do(t, f.handler, http.MethodGet, "/coop/sessions/"+id+"/history", "")
	assert.JSONEq(t, `{"seqs":[1,2,3]}`, w.Body.String())

	w = do(t, f.handler, http.MethodPost, "/coop/sessions/"+id+"/rollback", `{"steps":2}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"tick":100`)
}

func TestMissingComponentIsUnavailable(t *testing.T) {
	h := rest.New(rest.Deps{}, zap.NewNop()).Handler()
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/coop/peers", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/coop/pool", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/coop/health", "").Code)
}
