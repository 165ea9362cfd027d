// Package verifycache caches abs_validate verdicts keyed by a digest of the
// (program_info, instruction sequence) pair, so re-verifying an unchanged
// program is a lookup instead of a fixpoint re-run. Grounded on the
// teacher's pkg/svm/syscall.go (BLAKE3/Keccak256 syscall handlers, for the
// hashing idiom) and its two persistent-store packages, pkg/blockstore
// (bbolt) and pkg/accounts (Badger), for the two backends below.
package verifycache

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"

	"github.com/fortiblox/ebpfcheck/pkg/asm"
	"github.com/fortiblox/ebpfcheck/pkg/verifier"
)

// ErrCorruptEntry is returned by Get when a stored entry's Keccak256
// fingerprint doesn't match its decoded verifier.Result, e.g. bit rot or a
// cache file shared across an incompatible ebpfcheck version.
var ErrCorruptEntry = errors.New("verifycache: corrupt cache entry")

// Kind selects a Cache backend for Open.
type Kind string

const (
	Bolt   Kind = "bolt"
	Badger Kind = "badger"
)

// Cache maps a program digest (see Digest) to a cached verifier.Result.
type Cache interface {
	Get(digest string) (verifier.Result, bool, error)
	Put(digest string, result verifier.Result) error
	Close() error
}

// Open opens a Cache at path using the named backend. An empty kind
// defaults to Bolt, the read-mostly single-file store suited to a local
// CLI's cache directory; Badger suits a high-churn verification service
// re-verifying many distinct programs per second.
func Open(kind Kind, path string) (Cache, error) {
	switch kind {
	case Bolt, "":
		return openBolt(path)
	case Badger:
		return openBadger(path)
	default:
		return nil, fmt.Errorf("verifycache: unknown backend %q", kind)
	}
}

type digestInput struct {
	Info  asm.ProgramInfo
	Insns []asm.Instruction
}

// Digest computes the BLAKE3 cache key for a (program_info, instruction
// sequence) pair, base58-rendered for log lines and the CLI's -dom-key
// debug flag (exactly as the teacher base58-encodes a pubkey for display).
func Digest(info asm.ProgramInfo, insns []asm.Instruction) (string, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(digestInput{Info: info, Insns: insns}); err != nil {
		return "", fmt.Errorf("verifycache: encode digest input: %w", err)
	}
	h := blake3.New()
	h.Write(buf.Bytes())
	return base58.Encode(h.Sum(nil)), nil
}

type storedEntry struct {
	Result      verifier.Result
	Fingerprint []byte
}

func fingerprint(result verifier.Result) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(result); err != nil {
		return nil, fmt.Errorf("verifycache: encode verdict: %w", err)
	}
	h := sha3.NewLegacyKeccak256()
	h.Write(buf.Bytes())
	return h.Sum(nil), nil
}

func encodeEntry(result verifier.Result) ([]byte, error) {
	fp, err := fingerprint(result)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(storedEntry{Result: result, Fingerprint: fp}); err != nil {
		return nil, fmt.Errorf("verifycache: encode entry: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeEntry(data []byte) (verifier.Result, error) {
	var e storedEntry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&e); err != nil {
		return verifier.Result{}, fmt.Errorf("verifycache: decode entry: %w", err)
	}
	fp, err := fingerprint(e.Result)
	if err != nil {
		return verifier.Result{}, err
	}
	if !bytes.Equal(fp, e.Fingerprint) {
		return verifier.Result{}, ErrCorruptEntry
	}
	return e.Result, nil
}
