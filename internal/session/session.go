// Package session persists compressed session snapshots with a bounded rolling history
// so a host can roll back to an earlier save.
package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/pierrec/lz4/v4"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/iggydv12/coopsync/internal/protocol"
	"github.com/iggydv12/coopsync/internal/storage/local"
)

// ErrNotFound is returned when a session has no saved snapshot.
var ErrNotFound = errors.New("session: not found")

// DefaultHistory is the number of snapshots kept per session.
const DefaultHistory = 8

// State is one saved snapshot of a session.
type State struct {
	ID       string                     `msgpack:"id" json:"id"`
	Seq      uint64                     `msgpack:"seq" json:"seq"`
	Tick     uint64                     `msgpack:"tick" json:"tick"`
	Phase    string                     `msgpack:"phase" json:"phase"`
	Party    []protocol.PeerID          `msgpack:"party" json:"party"`
	Balances map[protocol.PeerID]uint64 `msgpack:"balances" json:"balances"`
	SavedAt  int64                      `msgpack:"savedAt" json:"savedAt"`
}

// NewID returns a fresh session id.
func NewID() string {
	return uuid.NewString()
}

// Store keeps up to history snapshots per session id in a BlobStore.
type Store struct {
	mu      sync.Mutex
	blobs   local.BlobStore
	history int
	logger  *zap.Logger
}

func NewStore(blobs local.BlobStore, history int, logger *zap.Logger) *Store {
	if history <= 0 {
		history = DefaultHistory
	}
	return &Store{blobs: blobs, history: history, logger: logger}
}

func prefix(id string) []byte {
	return []byte("session/" + id + "/")
}

func key(id string, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(prefix(id), seq)
}

// seqs returns the stored sequence numbers for id in ascending order.
func (s *Store) seqs(id string) ([]uint64, error) {
	p := prefix(id)
	var out []uint64
	err := s.blobs.Scan(p, func(k, _ []byte) error {
		if len(k) != len(p)+8 {
			return nil
		}
		out = append(out, binary.BigEndian.Uint64(k[len(p):]))
		return nil
	})
	return out, err
}

// Save stores st as the newest snapshot of st.ID and trims the history.
// It returns the assigned sequence number.
func (s *Store) Save(st State) (uint64, error) {
	if st.ID == "" {
		return 0, fmt.Errorf("session save: empty id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	seqs, err := s.seqs(st.ID)
	if err != nil {
		return 0, fmt.Errorf("session save %s: %w", st.ID, err)
	}
	st.Seq = 1
	if len(seqs) > 0 {
		st.Seq = seqs[len(seqs)-1] + 1
	}

	raw, err := msgpack.Marshal(&st)
	if err != nil {
		return 0, fmt.Errorf("session encode: %w", err)
	}
	blob, err := compress(raw)
	if err != nil {
		return 0, fmt.Errorf("session compress: %w", err)
	}

	entries := []local.Entry{{Key: key(st.ID, st.Seq), Value: blob}}
	seqs = append(seqs, st.Seq)
	for len(seqs) > s.history {
		entries = append(entries, local.Entry{Key: key(st.ID, seqs[0]), Delete: true})
		seqs = seqs[1:]
	}
	if err := s.blobs.Write(entries); err != nil {
		return 0, fmt.Errorf("session save %s: %w", st.ID, err)
	}
	s.logger.Debug("Session saved",
		zap.String("session", st.ID),
		zap.Uint64("seq", st.Seq),
		zap.Int("bytes", len(blob)))
	return st.Seq, nil
}

// Latest returns the newest snapshot of id.
func (s *Store) Latest(id string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seqs, err := s.seqs(id)
	if err != nil {
		return State{}, err
	}
	if len(seqs) == 0 {
		return State{}, ErrNotFound
	}
	return s.load(id, seqs[len(seqs)-1])
}

// History returns the stored sequence numbers for id, oldest first.
func (s *Store) History(id string) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seqs(id)
}

// Rollback discards the newest steps snapshots and returns the snapshot that is now
// newest. At least one snapshot always remains.
func (s *Store) Rollback(id string, steps int) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seqs, err := s.seqs(id)
	if err != nil {
		return State{}, err
	}
	if len(seqs) == 0 {
		return State{}, ErrNotFound
	}
	if steps < 0 {
		steps = 0
	}
	if steps > len(seqs)-1 {
		steps = len(seqs) - 1
	}
	if steps > 0 {
		var entries []local.Entry
		for _, seq := range seqs[len(seqs)-steps:] {
			entries = append(entries, local.Entry{Key: key(id, seq), Delete: true})
		}
		if err := s.blobs.Write(entries); err != nil {
			return State{}, fmt.Errorf("session rollback %s: %w", id, err)
		}
	}
	st, err := s.load(id, seqs[len(seqs)-1-steps])
	if err != nil {
		return State{}, err
	}
	s.logger.Info("Session rolled back", zap.String("session", id), zap.Uint64("seq", st.Seq))
	return st, nil
}

func (s *Store) load(id string, seq uint64) (State, error) {
	blob, err := s.blobs.Get(key(id, seq))
	if errors.Is(err, local.ErrNotFound) {
		return State{}, ErrNotFound
	}
	if err != nil {
		return State{}, err
	}
	raw, err := decompress(blob)
	if err != nil {
		return State{}, fmt.Errorf("session decompress: %w", err)
	}
	var st State
	if err := msgpack.Unmarshal(raw, &st); err != nil {
		return State{}, fmt.Errorf("session decode: %w", err)
	}
	return st, nil
}

func compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(src); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, lz4.NewReader(bytes.NewReader(src))); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
