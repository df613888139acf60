package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatorRejectsNaiveTimestamps(t *testing.T) {
	validator, err := NewValidator()
	require.NoError(t, err)

	builder := newTestBuilder(t)
	env, err := builder.Build(testWindow, saleBatch())
	require.NoError(t, err)
	require.NoError(t, validator.Validate(env.Body()))

	body := []byte(`{
		"schema_version": "2.0",
		"agent": {"version": "1", "machine": "m", "sent_at": "2026-06-10T14:00:00"},
		"store": {"id_ponto_venda": 10, "nome": "x", "alias": "y"},
		"window": {"from": "2026-06-10T13:50:00-03:00", "to": "2026-06-10T14:00:00-03:00", "minutes": 10},
		"event_type": "sales",
		"turnos": [], "vendas": [],
		"resumo": {"by_vendor": [], "by_payment": []},
		"ops": {"count": 0, "ids": []},
		"integrity": {"sync_id": "` + env.Key() + `", "warnings": []}
	}`)
	err = validator.Validate(body)
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestValidatorRejectsUnknownEventType(t *testing.T) {
	validator, err := NewValidator()
	require.NoError(t, err)
	builder := newTestBuilder(t)
	env, err := builder.Build(testWindow, saleBatch())
	require.NoError(t, err)

	env.EventType = "refund"
	body, err := marshalForTest(env)
	require.NoError(t, err)
	assert.ErrorIs(t, validator.Validate(body), ErrInvalidEnvelope)
}
