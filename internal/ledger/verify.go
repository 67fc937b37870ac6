package ledger

import (
	"fmt"

	"github.com/Tonytony5278/narc-sub001/models"
)

// Divergence reasons.
const (
	ReasonSequenceGap  = "sequence_gap"
	ReasonHashMismatch = "hash_mismatch"
	ReasonBrokenLink   = "broken_link"
	ReasonBadSnapshot  = "unreadable_snapshot"
)

// Divergence identifies the first entry at which the chain stops verifying
type Divergence struct {
	Sequence int64  `json:"sequence"`
	Reason   string `json:"reason"`
	Detail   string `json:"detail,omitempty"`
}

func (d *Divergence) Error() string {
	return fmt.Sprintf("ledger diverges at sequence %d: %s %s", d.Sequence, d.Reason, d.Detail)
}

// ChainVerifier checks entries fed to it in ascending sequence order. It is
// detection only: it never modifies the entries it is given.
type ChainVerifier struct {
	nextSequence int64
	prevHash     string
	checked      int64
}

// NewChainVerifier starts verification from the genesis entry
func NewChainVerifier() *ChainVerifier {
	return &ChainVerifier{nextSequence: 1}
}

// NewChainVerifierAfter starts verification right after a trusted predecessor.
// The predecessor itself is not checked.
func NewChainVerifierAfter(predecessor *models.LedgerEntry) *ChainVerifier {
	if predecessor == nil {
		return NewChainVerifier()
	}
	return &ChainVerifier{
		nextSequence: predecessor.Sequence + 1,
		prevHash:     predecessor.Hash,
	}
}

// Check verifies one entry against its own fields and its predecessor
func (v *ChainVerifier) Check(e *models.LedgerEntry) *Divergence {
	if e.Sequence != v.nextSequence {
		return &Divergence{
			Sequence: v.nextSequence,
			Reason:   ReasonSequenceGap,
			Detail:   fmt.Sprintf("found sequence %d", e.Sequence),
		}
	}

	recomputed, err := ComputeHash(e)
	if err != nil {
		return &Divergence{Sequence: e.Sequence, Reason: ReasonBadSnapshot, Detail: err.Error()}
	}
	if recomputed != e.Hash {
		return &Divergence{Sequence: e.Sequence, Reason: ReasonHashMismatch}
	}
	if e.PrevHash != v.prevHash {
		return &Divergence{Sequence: e.Sequence, Reason: ReasonBrokenLink}
	}

	v.nextSequence = e.Sequence + 1
	v.prevHash = e.Hash
	v.checked++
	return nil
}

// Checked returns how many entries have verified clean so far
func (v *ChainVerifier) Checked() int64 {
	return v.checked
}

// VerifyEntries checks a complete in-order slice starting at genesis
func VerifyEntries(entries []*models.LedgerEntry) *Divergence {
	v := NewChainVerifier()
	for _, e := range entries {
		if d := v.Check(e); d != nil {
			return d
		}
	}
	return nil
}
