package hashing

import (
	"errors"
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"
)

// verifyingReader passes through reads from an underlying io.ReadCloser,
// and turns the final io.EOF into ErrDigestMismatch if the content
// doesn't hash to the expected digest.
type verifyingReader struct {
	rc       io.ReadCloser
	expected string
	verifier digest.Verifier
}

// NewVerifyingReader wraps rc, checking its content against the hex encoded digest expected.
// It's the callers responsibility to close the returned reader.
func NewVerifyingReader(rc io.ReadCloser, expected string) (io.ReadCloser, error) {
	if err := Validate(expected); err != nil {
		return nil, err
	}
	return &verifyingReader{
		rc:       rc,
		expected: expected,
		verifier: digest.NewDigestFromEncoded(Algorithm, expected).Verifier(),
	}, nil
}

func (vr *verifyingReader) Read(p []byte) (int, error) {
	n, err := vr.rc.Read(p)
	if n > 0 {
		vr.verifier.Write(p[:n])
	}
	if errors.Is(err, io.EOF) && !vr.verifier.Verified() {
		return n, fmt.Errorf("%w: content doesn't hash to %v", ErrDigestMismatch, vr.expected)
	}
	return n, err
}

func (vr *verifyingReader) Close() error {
	return vr.rc.Close()
}
