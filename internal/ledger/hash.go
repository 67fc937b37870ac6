// Package ledger implements the hash-chain arithmetic of the audit ledger:
// canonical snapshot encoding, entry hashing and chain verification. Storage
// and locking live in repositories/postgres.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"github.com/Tonytony5278/narc-sub001/models"
)

const separator = "|"

// ComputeHash returns the hex SHA-256 of
// sequence|actorId|action|entityId|JSON(before ?? {})|JSON(after ?? {})|prevHash.
func ComputeHash(e *models.LedgerEntry) (string, error) {
	before, err := CanonicalJSON(e.BeforeState)
	if err != nil {
		return "", err
	}
	after, err := CanonicalJSON(e.AfterState)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write([]byte(strconv.FormatInt(e.Sequence, 10)))
	h.Write([]byte(separator))
	h.Write([]byte(e.ActorID))
	h.Write([]byte(separator))
	h.Write([]byte(e.Action))
	h.Write([]byte(separator))
	h.Write([]byte(e.EntityID))
	h.Write([]byte(separator))
	h.Write(before)
	h.Write([]byte(separator))
	h.Write(after)
	h.Write([]byte(separator))
	h.Write([]byte(e.PrevHash))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Seal assigns sequence, prevHash and hash to an entry that extends a chain
// whose tail is (lastSequence, lastHash). An empty ledger has tail (0, "").
func Seal(e *models.LedgerEntry, lastSequence int64, lastHash string) error {
	e.Sequence = lastSequence + 1
	e.PrevHash = lastHash
	hash, err := ComputeHash(e)
	if err != nil {
		return err
	}
	e.Hash = hash
	return nil
}
