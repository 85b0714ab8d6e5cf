package core

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"VaultLedger/internal/event"
	"VaultLedger/internal/ledger"

	sdkmath "cosmossdk.io/math"
)

const GenesisHashSeed = "VaultLedger:genesis:v1"

// ErrHashMismatch is returned when a replayed event does not reproduce the
// state hash stored in the event log.
var ErrHashMismatch = errors.New("state hash mismatch")

// StateHasher computes the deterministic hash chain over applied events.
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with the genesis hash.
func NewStateHasher() *StateHasher {
	return &StateHasher{prevHash: GenesisHash()}
}

// GenesisHash is the chain root.
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || digest)
// and advances the chain tip.
func (h *StateHasher) ComputeHash(sequence int64, digest []byte) [32]byte {
	hash := chainHash(h.prevHash, sequence, digest)
	h.prevHash = hash
	return hash
}

// GetPrevHash returns the current chain tip.
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash resets the chain tip (snapshot restore).
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.prevHash = hash
}

func chainHash(prev [32]byte, sequence int64, digest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(prev[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(digest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	return hash
}

// VerifyChain checks that every envelope links to its predecessor. The first
// envelope must link to start.
func VerifyChain(start [32]byte, envelopes []*event.EventEnvelope) error {
	prev := start
	for _, env := range envelopes {
		if env.PrevHash != prev {
			return fmt.Errorf("%w: seq %d does not link to previous hash", ErrHashMismatch, env.Sequence)
		}
		prev = env.StateHash
	}
	return nil
}

// Digest builds the canonical bytes of the entities touched by one event.
// Entities are sorted so the digest does not depend on map iteration order.
func Digest(ch *ledger.Changes) []byte {
	if ch == nil {
		return nil
	}
	buf := make([]byte, 0, 256)

	vaults := append([]ledger.Vault(nil), ch.Vaults...)
	sort.SliceStable(vaults, func(i, j int) bool { return vaults[i].ID < vaults[j].ID })
	for _, v := range vaults {
		buf = appendString(buf, "v:"+v.ID)
		buf = appendInt(buf, v.TotalAssets)
		buf = appendInt(buf, v.TotalSupply)
		buf = appendInt(buf, v.TotalDeposited)
		buf = appendInt(buf, v.TotalRedeemed)
		if v.IsActive {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}

	balances := append([]ledger.UserVaultBalance(nil), ch.Balances...)
	sort.SliceStable(balances, func(i, j int) bool {
		if balances[i].UserID != balances[j].UserID {
			return balances[i].UserID < balances[j].UserID
		}
		return balances[i].VaultID < balances[j].VaultID
	})
	for _, b := range balances {
		buf = appendString(buf, "b:"+b.UserID+"/"+b.VaultID)
		buf = appendInt(buf, b.TotalDeposited)
		buf = appendInt(buf, b.TotalRedeemed)
		buf = appendInt(buf, b.CurrentShares)
	}

	if ch.AllocationVault != "" {
		buf = appendString(buf, "a:"+ch.AllocationVault)
		for _, a := range ch.Allocations {
			buf = appendString(buf, a.AdapterAddress)
			buf = binary.LittleEndian.AppendUint64(buf, uint64(a.Allocation))
		}
	}
	return buf
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// appendInt writes a length-prefixed decimal rendering; amounts can exceed 64 bits.
func appendInt(buf []byte, v sdkmath.Int) []byte {
	if v.IsNil() {
		return appendString(buf, "0")
	}
	return appendString(buf, v.String())
}
