package rating

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/settlement/internal/config"
	usagedomain "github.com/smallbiznis/settlement/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func total(category, unit, quantity string) usagedomain.Total {
	return usagedomain.Total{Category: category, Unit: unit, Quantity: decimal.RequireFromString(quantity)}
}

func defaultCard(t *testing.T) RateCard {
	t.Helper()
	card, err := NewRateCard(config.DefaultBillingConfig().Rates)
	if err != nil {
		t.Fatalf("rate card: %v", err)
	}
	return card
}

func TestPriceBandwidth(t *testing.T) {
	breakdown, err := defaultCard(t).Price([]usagedomain.Total{total("bandwidth", "GB", "100")})
	require.NoError(t, err)
	require.Len(t, breakdown.Lines, 1)
	assert.Equal(t, "10", breakdown.Total.String())
	assert.Equal(t, "10.00", breakdown.Total.StringFixed(2))
}

func TestPriceRoundsPerCategoryThenSums(t *testing.T) {
	card, err := NewRateCard([]config.RateConfig{
		{Category: "bandwidth", Unit: "GB", PerUnit: "0.333"},
		{Category: "storage", Unit: "GB", PerUnit: "0.333"},
	})
	require.NoError(t, err)

	breakdown, err := card.Price([]usagedomain.Total{
		total("bandwidth", "GB", "1"),
		total("storage", "GB", "1"),
	})
	require.NoError(t, err)
	// 0.333 + 0.333 would round to 0.67; per-category rounding gives 0.33 + 0.33.
	assert.Equal(t, "0.66", breakdown.Total.StringFixed(2))
	for _, line := range breakdown.Lines {
		assert.Equal(t, "0.33", line.Amount.StringFixed(2))
	}
}

func TestPriceNormalizesUnits(t *testing.T) {
	breakdown, err := defaultCard(t).Price([]usagedomain.Total{
		total("bandwidth", "MB", "50000"),
		total("bandwidth", "GB", "50"),
		total("compute", "seconds", "7200"),
	})
	require.NoError(t, err)
	require.Len(t, breakdown.Lines, 2)

	assert.Equal(t, "bandwidth", breakdown.Lines[0].Category)
	assert.Equal(t, "100", breakdown.Lines[0].Quantity.String())
	assert.Equal(t, "10", breakdown.Lines[0].Amount.String())
	assert.Equal(t, "compute", breakdown.Lines[1].Category)
	assert.Equal(t, "2", breakdown.Lines[1].Quantity.String())
	assert.Equal(t, "0.1", breakdown.Lines[1].Amount.String())
	assert.Equal(t, "10.1", breakdown.Total.String())
}

func TestSubModuleFallsBackToParentRate(t *testing.T) {
	card := defaultCard(t)
	rate, ok := card.Lookup("compute.functions")
	require.True(t, ok)
	assert.Equal(t, "compute", rate.Category)

	breakdown, err := card.Price([]usagedomain.Total{total("compute.functions", "hour", "10")})
	require.NoError(t, err)
	assert.Equal(t, "compute.functions", breakdown.Lines[0].Category)
	assert.Equal(t, "0.5", breakdown.Total.String())
}

func TestPriceErrors(t *testing.T) {
	card := defaultCard(t)

	_, err := card.Price([]usagedomain.Total{total("gpu", "hour", "1")})
	require.ErrorIs(t, err, ErrMissingRate)

	_, err = card.Price([]usagedomain.Total{total("bandwidth", "hour", "1")})
	require.ErrorIs(t, err, ErrIncompatibleUnit)

	_, err = card.Price([]usagedomain.Total{total("bandwidth", "GB", "-1")})
	require.ErrorIs(t, err, ErrNegativeUsage)

	_, err = NewRateCard([]config.RateConfig{{Category: "x", Unit: "GB", PerUnit: "abc"}})
	require.ErrorIs(t, err, ErrInvalidRate)
}

func TestEmptyUsagePricesToZero(t *testing.T) {
	breakdown, err := defaultCard(t).Price(nil)
	require.NoError(t, err)
	assert.Empty(t, breakdown.Lines)
	assert.True(t, breakdown.Total.IsZero())
}
