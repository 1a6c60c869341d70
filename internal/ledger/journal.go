package ledger

import (
	"encoding/binary"
	"fmt"

	"github.com/iggydv12/coopsync/internal/protocol"
	"github.com/iggydv12/coopsync/internal/storage/local"
)

// AccountState is the persisted form of one account.
type AccountState struct {
	Balance uint64
	Nonces  []uint64
}

// Journal persists accepted mutations so exactly-once survives a restart.
type Journal interface {
	// Record stores nonce as processed and balance as the new balance, atomically.
	Record(peer protocol.PeerID, nonce, balance uint64) error
	SetBalance(peer protocol.PeerID, balance uint64) error
	// Reset forgets every processed nonce.
	Reset() error
	Load() (map[protocol.PeerID]AccountState, error)
}

var (
	balancePrefix = []byte("ledger/bal/")
	noncePrefix   = []byte("ledger/nonce/")
)

// StoreJournal is a Journal over a local.BlobStore.
//
// Keys:
//
//	ledger/bal/<peer BE u32>                -> balance BE u64
//	ledger/nonce/<peer BE u32><nonce BE u64> -> empty
type StoreJournal struct {
	store local.BlobStore
}

func NewStoreJournal(store local.BlobStore) *StoreJournal {
	return &StoreJournal{store: store}
}

func balanceKey(peer protocol.PeerID) []byte {
	return binary.BigEndian.AppendUint32(append([]byte(nil), balancePrefix...), uint32(peer))
}

func nonceKey(peer protocol.PeerID, nonce uint64) []byte {
	k := binary.BigEndian.AppendUint32(append([]byte(nil), noncePrefix...), uint32(peer))
	return binary.BigEndian.AppendUint64(k, nonce)
}

func (j *StoreJournal) Record(peer protocol.PeerID, nonce, balance uint64) error {
	err := j.store.Write([]local.Entry{
		{Key: nonceKey(peer, nonce), Value: []byte{}},
		{Key: balanceKey(peer), Value: binary.BigEndian.AppendUint64(nil, balance)},
	})
	if err != nil {
		return fmt.Errorf("journal record: %w", err)
	}
	return nil
}

func (j *StoreJournal) SetBalance(peer protocol.PeerID, balance uint64) error {
	if err := j.store.Put(balanceKey(peer), binary.BigEndian.AppendUint64(nil, balance)); err != nil {
		return fmt.Errorf("journal balance: %w", err)
	}
	return nil
}

func (j *StoreJournal) Reset() error {
	if _, err := j.store.DeletePrefix(noncePrefix); err != nil {
		return fmt.Errorf("journal reset: %w", err)
	}
	return nil
}

func (j *StoreJournal) Load() (map[protocol.PeerID]AccountState, error) {
	out := make(map[protocol.PeerID]AccountState)

	err := j.store.Scan(balancePrefix, func(k, v []byte) error {
		if len(k) != len(balancePrefix)+4 || len(v) != 8 {
			return fmt.Errorf("malformed balance record %x", k)
		}
		peer := protocol.PeerID(binary.BigEndian.Uint32(k[len(balancePrefix):]))
		s := out[peer]
		s.Balance = binary.BigEndian.Uint64(v)
		out[peer] = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("journal load balances: %w", err)
	}

	err = j.store.Scan(noncePrefix, func(k, _ []byte) error {
		if len(k) != len(noncePrefix)+12 {
			return fmt.Errorf("malformed nonce record %x", k)
		}
		rest := k[len(noncePrefix):]
		peer := protocol.PeerID(binary.BigEndian.Uint32(rest[:4]))
		s := out[peer]
		s.Nonces = append(s.Nonces, binary.BigEndian.Uint64(rest[4:]))
		out[peer] = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("journal load nonces: %w", err)
	}
	return out, nil
}
