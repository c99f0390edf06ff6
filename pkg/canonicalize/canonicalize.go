// Package canonicalize produces content-addressed digests (the Policy
// Evaluator uses it for a policy source's cache key), using github.com/gowebpki/jcs for
// RFC 8785 compliant JSON canonicalization rather than a hand-rolled
// sorted-map approximation that only happens to agree with it most of
// the time.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Canonical holds the canonicalized bytes of a value alongside its
// content digest.
type Canonical struct {
	Bytes  []byte
	Digest string // "sha256:" + hex digest of Bytes
}

// Marshal serializes v to JSON and then canonicalizes it per RFC 8785
// (JSON Canonicalization Scheme): sorted object keys, normalized number
// formatting, no insignificant whitespace. The resulting bytes are
// stable across processes and Go versions, which plain encoding/json
// alone does not guarantee for numeric formatting.
func Marshal(v any) (Canonical, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Canonical{}, fmt.Errorf("canonicalize: marshal: %w", err)
	}

	transformed, err := jcs.Transform(raw)
	if err != nil {
		return Canonical{}, fmt.Errorf("canonicalize: jcs transform: %w", err)
	}

	sum := sha256.Sum256(transformed)
	return Canonical{
		Bytes:  transformed,
		Digest: "sha256:" + hex.EncodeToString(sum[:]),
	}, nil
}

// Digest is a convenience wrapper returning only the content digest.
func Digest(v any) (string, error) {
	c, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return c.Digest, nil
}
