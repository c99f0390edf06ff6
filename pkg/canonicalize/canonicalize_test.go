package canonicalize_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbutler1132/omnilith/pkg/canonicalize"
)

func TestMarshalIsKeyOrderIndependent(t *testing.T) {
	a := map[string]any{"b": 1, "a": 2}
	b := map[string]any{"a": 2, "b": 1}

	ca, err := canonicalize.Marshal(a)
	require.NoError(t, err)
	cb, err := canonicalize.Marshal(b)
	require.NoError(t, err)

	assert.Equal(t, ca.Digest, cb.Digest)
	assert.Equal(t, string(ca.Bytes), string(cb.Bytes))
}

func TestMarshalDiffersOnContentChange(t *testing.T) {
	d1, err := canonicalize.Digest(map[string]any{"value": 1})
	require.NoError(t, err)
	d2, err := canonicalize.Digest(map[string]any{"value": 2})
	require.NoError(t, err)

	assert.NotEqual(t, d1, d2)
}

func TestDigestHasShaPrefix(t *testing.T) {
	d, err := canonicalize.Digest(struct {
		Name string `json:"name"`
	}{Name: "node"})
	require.NoError(t, err)
	assert.Contains(t, d, "sha256:")
}
