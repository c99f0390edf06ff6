package actionreg_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbutler1132/omnilith/pkg/actionreg"
	"github.com/tbutler1132/omnilith/pkg/canon"
)

func TestRegisterAndLookup(t *testing.T) {
	r := actionreg.New()
	err := r.Register("send_reminder", canon.RiskLow, func(ctx context.Context, params map[string]any, actx actionreg.Context) (any, error) {
		return "sent", nil
	}, "")
	require.NoError(t, err)

	h, risk, ok := r.Lookup("send_reminder")
	require.True(t, ok)
	assert.Equal(t, canon.RiskLow, risk)
	result, err := h(context.Background(), nil, actionreg.Context{})
	require.NoError(t, err)
	assert.Equal(t, "sent", result)
}

func TestRiskLevelMissingAction(t *testing.T) {
	r := actionreg.New()
	_, ok := r.RiskLevel("does_not_exist")
	assert.False(t, ok)
}

func TestValidateAgainstSchema(t *testing.T) {
	r := actionreg.New()
	schema := `{"type":"object","required":["to"],"properties":{"to":{"type":"string"}}}`
	require.NoError(t, r.Register("send_reminder", canon.RiskLow, func(ctx context.Context, params map[string]any, actx actionreg.Context) (any, error) {
		return nil, nil
	}, schema))

	assert.Error(t, r.Validate("send_reminder", map[string]any{}))
	assert.NoError(t, r.Validate("send_reminder", map[string]any{"to": "s1"}))
}
