package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"

	"github.com/auditchain/go-core/pkg/types"
)

// HashAlgorithm names the digest used to chain records. It is fixed per
// deployment and stored on every record so historical chains stay verifiable
// after a deployment switches algorithms.
type HashAlgorithm string

const (
	HashSHA256     HashAlgorithm = "sha256"
	HashSHA3_256   HashAlgorithm = "sha3-256"
	HashBLAKE2b256 HashAlgorithm = "blake2b-256"
)

// DefaultHashAlgorithm is used when none is configured
const DefaultHashAlgorithm = HashSHA256

// New returns a fresh digest for the algorithm
func (a HashAlgorithm) New() (hash.Hash, error) {
	switch a {
	case HashSHA256:
		return sha256.New(), nil
	case HashSHA3_256:
		return sha3.New256(), nil
	case HashBLAKE2b256:
		return blake2b.New256(nil)
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %q", string(a))
	}
}

// Valid reports whether the algorithm is supported
func (a HashAlgorithm) Valid() bool {
	_, err := a.New()
	return err == nil
}

// ComputeRecordHash computes the record hash of rec chained to previousHash.
// It is a pure function of the record's fields; rec.RecordHash is ignored.
func ComputeRecordHash(rec *types.AuditRecord, previousHash string) (string, error) {
	h, err := HashAlgorithm(rec.HashAlgorithm).New()
	if err != nil {
		return "", err
	}

	input, err := canonicalRecord(rec, previousHash)
	if err != nil {
		return "", fmt.Errorf("failed to encode record for hashing: %w", err)
	}

	h.Write(input)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyRecordHash recomputes rec's hash from its own fields and stored
// previous_hash and compares it with the stored record_hash
func VerifyRecordHash(rec *types.AuditRecord) (bool, string, error) {
	computed, err := ComputeRecordHash(rec, rec.PreviousHash)
	if err != nil {
		return false, "", err
	}
	return computed == rec.RecordHash, computed, nil
}
