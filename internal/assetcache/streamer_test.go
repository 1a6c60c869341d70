package assetcache_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iggydv12/coopsync/internal/assetcache"
	"github.com/iggydv12/coopsync/internal/config"
)

func newStreamer(t *testing.T, quota int64) *assetcache.Streamer {
	t.Helper()
	s, err := assetcache.New(config.CacheConfig{
		Dir:            t.TempDir(),
		QuotaBytes:     quota,
		MaxBundleBytes: 1 << 20,
	}, nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func compress(t *testing.T, raw []byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer enc.Close()
	return enc.EncodeAll(raw, nil)
}

func TestProcessExtractsFiles(t *testing.T) {
	s := newStreamer(t, 0)
	payload, err := assetcache.Pack([]assetcache.File{
		{Path: "manifest.json", Data: []byte(`{"v":1}`)},
		{Path: "textures/car.dds", Data: bytes.Repeat([]byte{7}, 64)},
	})
	require.NoError(t, err)

	res := s.Process(assetcache.Task{BundleID: 3, Data: payload})
	assert.True(t, res.Success)
	assert.Equal(t, uint16(3), res.BundleID)

	got, err := os.ReadFile(filepath.Join(s.Root(), "3", "textures", "car.dds"))
	require.NoError(t, err)
	assert.Len(t, got, 64)

	fp, ok := s.Fingerprint(3)
	require.True(t, ok)
	assert.Equal(t, assetcache.Fingerprint(payload), fp)
}

func TestUnchangedBundleIsNotRewritten(t *testing.T) {
	s := newStreamer(t, 0)
	payload, err := assetcache.Pack([]assetcache.File{{Path: "a.txt", Data: []byte("one")}})
	require.NoError(t, err)
	require.True(t, s.Process(assetcache.Task{BundleID: 1, Data: payload}).Success)

	// local edit survives a resend of the same payload
	file := filepath.Join(s.Root(), "1", "a.txt")
	require.NoError(t, os.WriteFile(file, []byte("edited"), 0o644))
	require.True(t, s.Process(assetcache.Task{BundleID: 1, Data: payload}).Success)

	got, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, "edited", string(got))
}

func TestDecompressionFailure(t *testing.T) {
	s := newStreamer(t, 0)

	res := s.Process(assetcache.Task{BundleID: 9, Data: []byte("not zstd at all")})
	assert.False(t, res.Success)
	_, err := os.Stat(filepath.Join(s.Root(), "9"))
	assert.True(t, os.IsNotExist(err))
	_, ok := s.Fingerprint(9)
	assert.False(t, ok)
}

func TestTruncatedFramingIsBestEffort(t *testing.T) {
	s := newStreamer(t, 0)
	raw := assetcache.EncodeBundle([]assetcache.File{
		{Path: "first.bin", Data: []byte("complete")},
		{Path: "second.bin", Data: []byte("cut short")},
	})
	raw = raw[:len(raw)-3]

	res := s.Process(assetcache.Task{BundleID: 2, Data: compress(t, raw)})
	assert.True(t, res.Success)

	_, err := os.Stat(filepath.Join(s.Root(), "2", "first.bin"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(s.Root(), "2", "second.bin"))
	assert.True(t, os.IsNotExist(err))
}

func TestEscapingPathsAreSkipped(t *testing.T) {
	s := newStreamer(t, 0)
	payload, err := assetcache.Pack([]assetcache.File{
		{Path: "../outside.txt", Data: []byte("x")},
		{Path: "/abs.txt", Data: []byte("x")},
		{Path: "ok/inside.txt", Data: []byte("y")},
	})
	require.NoError(t, err)

	require.True(t, s.Process(assetcache.Task{BundleID: 4, Data: payload}).Success)
	_, err = os.Stat(filepath.Join(s.Root(), "outside.txt"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(s.Root(), "4", "ok", "inside.txt"))
	assert.NoError(t, err)
}

func TestProcessEvictsOldestOverQuota(t *testing.T) {
	s := newStreamer(t, 150)
	for id := uint16(1); id <= 2; id++ {
		payload, err := assetcache.Pack([]assetcache.File{{Path: "blob", Data: bytes.Repeat([]byte{byte(id)}, 100)}})
		require.NoError(t, err)
		require.True(t, s.Process(assetcache.Task{BundleID: id, Data: payload}).Success)
	}

	_, err := os.Stat(filepath.Join(s.Root(), "1"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(s.Root(), "2", "blob"))
	assert.NoError(t, err)
	_, ok := s.Fingerprint(1)
	assert.False(t, ok)
}

func TestWorkerLoop(t *testing.T) {
	s := newStreamer(t, 0)
	s.Start()

	good, err := assetcache.Pack([]assetcache.File{{Path: "x", Data: []byte("x")}})
	require.NoError(t, err)
	require.True(t, s.Submit(assetcache.Task{BundleID: 1, Data: []byte("garbage")}))
	require.True(t, s.Submit(assetcache.Task{BundleID: 2, Data: good}))

	var results []assetcache.Result
	require.Eventually(t, func() bool {
		if r, ok := s.Poll(); ok {
			results = append(results, r)
		}
		return len(results) == 2
	}, 5*time.Second, time.Millisecond)

	assert.Equal(t, []assetcache.Result{{BundleID: 1}, {BundleID: 2, Success: true}}, results)
	assert.Zero(t, s.Pending())

	s.Stop()
	s.Stop()
}
