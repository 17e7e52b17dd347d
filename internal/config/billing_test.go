package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultBillingConfigIsValid(t *testing.T) {
	cfg := DefaultBillingConfig()
	require.NoError(t, ValidateBillingConfig(cfg))
	assert.Equal(t, 14*24*time.Hour, cfg.GracePeriod())
	assert.Equal(t, 7*24*time.Hour, cfg.InvoiceDue())
	assert.Equal(t, []int{1, 7, 13}, cfg.ReminderDays)
}

func TestValidateBillingConfigRejectsShortRetention(t *testing.T) {
	cfg := DefaultBillingConfig()
	cfg.IdempotencyRetention = 24 * time.Hour
	assert.Error(t, ValidateBillingConfig(cfg))
}

func TestValidateBillingConfigRejectsDuplicateCategory(t *testing.T) {
	cfg := DefaultBillingConfig()
	cfg.Rates = append(cfg.Rates, RateConfig{Category: "Bandwidth", Unit: "GB", PerUnit: "1"})
	assert.Error(t, ValidateBillingConfig(cfg))
}

func TestCyclePeriodNext(t *testing.T) {
	cases := []struct {
		name   string
		period string
		start  time.Time
		want   time.Time
	}{
		{
			name:   "calendar month",
			period: "1M",
			start:  time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC),
			want:   time.Date(2025, 2, 15, 0, 0, 0, 0, time.UTC),
		},
		{
			name:   "month end clamps",
			period: "1M",
			start:  time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC),
			want:   time.Date(2025, 2, 28, 0, 0, 0, 0, time.UTC),
		},
		{
			name:   "december rolls year",
			period: "1M",
			start:  time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC),
			want:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:   "days",
			period: "30d",
			start:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			want:   time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			period, err := ParseCyclePeriod(tc.period)
			require.NoError(t, err)
			assert.Equal(t, tc.want, period.Next(tc.start))
		})
	}
}

func TestParseCyclePeriodInvalid(t *testing.T) {
	for _, raw := range []string{"", "M", "0M", "-1d", "3w"} {
		_, err := ParseCyclePeriod(raw)
		assert.Error(t, err, raw)
	}
}
