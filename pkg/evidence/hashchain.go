package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// ChainHash links one record to its predecessor in the tenant's chain:
//
//	hash = SHA-256( prevHash || canonicalPayload || canonicalResult )
//
// A record without an execution result (a policy denial) hashes only the
// first two parts.
func ChainHash(prevHash string, canonPayload, canonResult []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canonPayload)
	h.Write(canonResult)
	return hex.EncodeToString(h.Sum(nil))
}

// ChainLink is the stored part of a record needed to re-derive its hash.
type ChainLink struct {
	Seq          int64     `json:"seq"`
	EventID      string    `json:"event_id"`
	Hash         string    `json:"hash"`
	PrevHash     string    `json:"prev_hash"`
	CanonPayload []byte    `json:"payload_canon"`
	CanonResult  []byte    `json:"result_canon,omitempty"`
	ReceivedAt   time.Time `json:"received_at"`
}

// ChainBreak locates the first link whose stored hashes disagree with the
// recomputed chain.
type ChainBreak struct {
	Index   int
	EventID string
	Want    string
	Got     string
}

func (e *ChainBreak) Error() string {
	return fmt.Sprintf("evidence chain broken at index %d (event %s): want %s, got %s", e.Index, e.EventID, e.Want, e.Got)
}

// VerifyChain recomputes every link starting from the empty hash.
func VerifyChain(links []ChainLink) error {
	return VerifyChainFrom("", links)
}

// VerifyChainFrom recomputes links that continue a chain whose last hash is
// prev.
func VerifyChainFrom(prev string, links []ChainLink) error {
	for i, l := range links {
		if l.PrevHash != prev {
			return &ChainBreak{Index: i, EventID: l.EventID, Want: prev, Got: l.PrevHash}
		}
		if want := ChainHash(prev, l.CanonPayload, l.CanonResult); l.Hash != want {
			return &ChainBreak{Index: i, EventID: l.EventID, Want: want, Got: l.Hash}
		}
		prev = l.Hash
	}
	return nil
}
