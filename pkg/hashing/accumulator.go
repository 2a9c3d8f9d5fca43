// Package hashing computes and checks the content addresses blobs are stored under.
// Content addresses are lowercase hex encoded sha256 digests.
package hashing

import (
	_ "crypto/sha256"
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"
)

// Algorithm is the hash function content addresses are computed with.
const Algorithm = digest.SHA256

var (
	// ErrFinalized is returned when an Accumulator is used after Finalize.
	ErrFinalized = errors.New("accumulator already finalized")

	// ErrDigestMismatch is returned when content doesn't hash to the digest it was looked up by.
	ErrDigestMismatch = errors.New("digest mismatch")
)

// Accumulator folds chunks into a running hash, in call order.
// Chunk boundaries don't matter, only the concatenated bytes do.
type Accumulator struct {
	digester  digest.Digester
	finalized bool
}

// New returns an empty Accumulator.
func New() *Accumulator {
	return &Accumulator{
		digester: Algorithm.Digester(),
	}
}

// Update feeds chunk into the hash.
func (a *Accumulator) Update(chunk []byte) error {
	if a.finalized {
		return ErrFinalized
	}
	// hash.Hash.Write never returns an error
	a.digester.Hash().Write(chunk)
	return nil
}

// Finalize returns the hex encoded digest of everything passed to Update.
// The Accumulator can't be used afterwards.
func (a *Accumulator) Finalize() (string, error) {
	if a.finalized {
		return "", ErrFinalized
	}
	a.finalized = true
	return a.digester.Digest().Encoded(), nil
}

// Sum returns the hex encoded digest of p.
func Sum(p []byte) string {
	return Algorithm.FromBytes(p).Encoded()
}

// Validate checks hex is a well-formed content address:
// a lowercase hex encoded digest of the right length.
func Validate(hex string) error {
	if err := digest.NewDigestFromEncoded(Algorithm, hex).Validate(); err != nil {
		return fmt.Errorf("invalid digest %q: %w", hex, err)
	}
	return nil
}
