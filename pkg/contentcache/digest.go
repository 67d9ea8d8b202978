// SPDX-License-Identifier: MPL-2.0

package contentcache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrIntegrity is the sentinel error wrapped by MismatchError.
var ErrIntegrity = errors.New("integrity check failed")

// MismatchError reports a content digest that does not match the one
// recorded at resolution time. Never retried: a mismatch means the
// content is wrong, not that the transfer flaked.
type MismatchError struct {
	Expected string
	Got      string
}

// Error implements the error interface.
func (e *MismatchError) Error() string {
	return fmt.Sprintf("content digest mismatch: expected %s, got %s", e.Expected, e.Got)
}

// Unwrap returns ErrIntegrity so callers can use errors.Is.
func (e *MismatchError) Unwrap() error { return ErrIntegrity }

// DigestBytes returns the sha256 hex digest of data.
func DigestBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DigestReader returns the sha256 hex digest of everything read from r.
func DigestReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("failed to digest stream: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DigestFile returns the sha256 hex digest of the file at path.
func DigestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return DigestReader(f)
}

// Verify checks data against an expected digest.
func Verify(data []byte, expected string) error {
	if got := DigestBytes(data); got != expected {
		return &MismatchError{Expected: expected, Got: got}
	}
	return nil
}
