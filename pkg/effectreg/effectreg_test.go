package effectreg_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbutler1132/omnilith/pkg/effectreg"
)

func TestRegisterAndLookup(t *testing.T) {
	r := effectreg.New()
	called := false
	err := r.Register("log", func(ctx context.Context, params map[string]any, ectx effectreg.Context) error {
		called = true
		return nil
	}, "")
	require.NoError(t, err)

	h, ok := r.Lookup("log")
	require.True(t, ok)
	require.NoError(t, h(context.Background(), nil, effectreg.Context{}))
	assert.True(t, called)
}

func TestLookupMissingHandler(t *testing.T) {
	r := effectreg.New()
	_, ok := r.Lookup("pack:acme:unregistered")
	assert.False(t, ok)
}

func TestValidateRejectsParamsNotMatchingSchema(t *testing.T) {
	r := effectreg.New()
	schema := `{"type":"object","required":["amount"],"properties":{"amount":{"type":"number"}}}`
	err := r.Register("pack:acme:charge", func(ctx context.Context, params map[string]any, ectx effectreg.Context) error {
		return nil
	}, schema)
	require.NoError(t, err)

	err = r.Validate("pack:acme:charge", map[string]any{"amount": "not-a-number"})
	assert.Error(t, err)

	err = r.Validate("pack:acme:charge", map[string]any{"amount": 12.5})
	assert.NoError(t, err)
}

func TestUnregisterRemovesHandler(t *testing.T) {
	r := effectreg.New()
	require.NoError(t, r.Register("pack:acme:thing", func(ctx context.Context, params map[string]any, ectx effectreg.Context) error {
		return nil
	}, ""))
	r.Unregister("pack:acme:thing")
	_, ok := r.Lookup("pack:acme:thing")
	assert.False(t, ok)
}

func TestIsNamespaced(t *testing.T) {
	assert.True(t, effectreg.IsNamespaced("pack:acme:charge"))
	assert.False(t, effectreg.IsNamespaced("log"))
}
