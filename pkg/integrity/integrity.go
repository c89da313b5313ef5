// Package integrity verifies downloaded artifacts against registry-published
// digests.
//
// Two schemes are supported, in order of preference:
//
//   - Subresource Integrity tokens (sha256-, sha384- or sha512- followed by
//     the base64 digest), as published in dist.integrity.
//   - Legacy SHA-1 hex digests, as published in dist.shasum.
//
// An artifact for which the registry publishes neither is accepted
// unverified. [Verify] reports which scheme applied so callers can warn.
package integrity

import (
	"crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	digest "github.com/opencontainers/go-digest"

	"github.com/matzehuels/pkgstage/pkg/errors"
)

// Scheme names the verification method applied to an artifact.
type Scheme string

const (
	SchemeSRI    Scheme = "sri"
	SchemeShasum Scheme = "shasum"
	SchemeNone   Scheme = "none"
)

var supported = map[digest.Algorithm]int{
	digest.SHA256: 32,
	digest.SHA384: 48,
	digest.SHA512: 64,
}

// Descriptor is a parsed SRI token.
type Descriptor struct {
	Algorithm   digest.Algorithm
	ExpectedHex string
}

// Digest returns the descriptor as an OCI-style digest (alg:hex).
func (d Descriptor) Digest() digest.Digest {
	return digest.NewDigestFromEncoded(d.Algorithm, d.ExpectedHex)
}

// Parse parses an SRI token of the form <algorithm>-<base64>. The token is
// split at the first '-'. Unsupported algorithms, malformed base64 and
// payloads of the wrong length are errors.
func Parse(sri string) (Descriptor, error) {
	alg, b64, ok := strings.Cut(strings.TrimSpace(sri), "-")
	if !ok {
		return Descriptor{}, fmt.Errorf("malformed integrity token %q", sri)
	}
	algorithm := digest.Algorithm(alg)
	size, ok := supported[algorithm]
	if !ok || !algorithm.Available() {
		return Descriptor{}, fmt.Errorf("unsupported integrity algorithm %q", alg)
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return Descriptor{}, fmt.Errorf("malformed integrity digest: %w", err)
	}
	if len(raw) != size {
		return Descriptor{}, fmt.Errorf("%s digest is %d bytes, want %d", alg, len(raw), size)
	}
	d := Descriptor{Algorithm: algorithm, ExpectedHex: hex.EncodeToString(raw)}
	if err := d.Digest().Validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

// Check reports whether the file at path matches d. Errors are returned only
// for I/O failures.
func Check(d Descriptor, path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	actual, err := d.Algorithm.FromReader(f)
	if err != nil {
		return false, err
	}
	return actual.Encoded() == d.ExpectedHex, nil
}

// CheckSRI parses sri and checks path against it. A token that cannot be
// parsed (unknown algorithm, bad base64) reports false with no error.
func CheckSRI(sri, path string) (bool, error) {
	d, err := Parse(sri)
	if err != nil {
		return false, nil
	}
	return Check(d, path)
}

// CheckShasum reports whether the SHA-1 hex digest of path equals expected.
func CheckShasum(expected, path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return false, err
	}
	return hex.EncodeToString(h.Sum(nil)) == expected, nil
}

// Matches reports whether path satisfies sri, or shasum when sri is empty,
// without touching the file. It returns SchemeNone and false when neither
// digest is available.
func Matches(path, sri, shasum string) (Scheme, bool, error) {
	switch {
	case sri != "":
		ok, err := CheckSRI(sri, path)
		return SchemeSRI, ok, err
	case shasum != "":
		ok, err := CheckShasum(shasum, path)
		return SchemeShasum, ok, err
	default:
		return SchemeNone, false, nil
	}
}

// Verify checks path against sri, or against shasum when sri is empty. When
// both are empty the artifact is accepted and SchemeNone is returned.
//
// On mismatch the file is removed and an ErrCodeIntegrityMismatch error is
// returned.
func Verify(path, sri, shasum string) (Scheme, error) {
	scheme, ok, err := Matches(path, sri, shasum)
	if scheme == SchemeNone {
		return scheme, nil
	}
	if err != nil {
		if os.IsNotExist(err) {
			return scheme, errors.Wrap(errors.ErrCodeFileMissing, err, "verify %s", path)
		}
		return scheme, errors.Wrap(errors.ErrCodeInternal, err, "verify %s", path)
	}
	if !ok {
		_ = os.Remove(path)
		return scheme, errors.New(errors.ErrCodeIntegrityMismatch, "the fetched file %s mismatch", scheme)
	}
	return scheme, nil
}
