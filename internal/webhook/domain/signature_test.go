package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"eventType":"payment.captured"}`)
	sig := Sign("secret", body)

	require.NoError(t, VerifySignature("secret", body, sig))
	require.NoError(t, VerifySignature("secret", body, "sha256="+sig))
	assert.ErrorIs(t, VerifySignature("secret", body, ""), ErrMissingSignature)
	assert.ErrorIs(t, VerifySignature("secret", body, Sign("other", body)), ErrInvalidSignature)
	assert.ErrorIs(t, VerifySignature("secret", []byte(`{}`), sig), ErrInvalidSignature)
	assert.ErrorIs(t, VerifySignature("", body, sig), ErrInvalidSignature)
}

func TestEventIDIsDeterministic(t *testing.T) {
	a := EventID("payment.captured", "2026-03-02T10:00:00Z", "pay_1")
	assert.Equal(t, a, EventID("payment.captured", "2026-03-02T10:00:00Z", "pay_1"))
	assert.NotEqual(t, a, EventID("payment.failed", "2026-03-02T10:00:00Z", "pay_1"))
	assert.NotEqual(t, a, EventID("payment.captured", "2026-03-02T10:00:01Z", "pay_1"))
	assert.NotEqual(t, a, EventID("payment.captured", "2026-03-02T10:00:00Z", "pay_2"))
}

func TestOccurredAt(t *testing.T) {
	cases := []struct {
		raw  string
		want time.Time
		ok   bool
	}{
		{raw: `"2026-03-02T10:00:00Z"`, want: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), ok: true},
		{raw: `1772445600`, want: time.Unix(1772445600, 0).UTC(), ok: true},
		{raw: `"yesterday"`, ok: false},
	}
	for _, tc := range cases {
		got, ok := Event{CreatedAt: json.RawMessage(tc.raw)}.OccurredAt()
		assert.Equal(t, tc.ok, ok, tc.raw)
		if tc.ok {
			assert.True(t, tc.want.Equal(got), tc.raw)
		}
	}
}
