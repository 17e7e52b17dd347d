// Package rating prices aggregated usage with a flat per-unit rate card.
package rating

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/settlement/internal/config"
	usagedomain "github.com/smallbiznis/settlement/internal/usage/domain"
)

var (
	ErrMissingRate   = errors.New("rating_missing_rate")
	ErrInvalidRate   = errors.New("rating_invalid_rate")
	ErrNegativeUsage = errors.New("rating_negative_usage")
)

// Rate is the price of one normalized unit of a category.
type Rate struct {
	Category string
	Unit     string
	PerUnit  decimal.Decimal
}

// Line is one priced category of an invoice.
type Line struct {
	Category string          `json:"category"`
	Unit     string          `json:"unit"`
	Quantity decimal.Decimal `json:"quantity"`
	Rate     decimal.Decimal `json:"rate"`
	Amount   decimal.Decimal `json:"amount"`
}

type Breakdown struct {
	Lines []Line          `json:"lines"`
	Total decimal.Decimal `json:"total"`
}

type RateCard struct {
	rates map[string]Rate
}

func NewRateCard(cfg []config.RateConfig) (RateCard, error) {
	card := RateCard{rates: make(map[string]Rate, len(cfg))}
	for _, rc := range cfg {
		category := normalizeCategory(rc.Category)
		if category == "" {
			return RateCard{}, fmt.Errorf("%w: empty category", ErrInvalidRate)
		}
		perUnit, err := decimal.NewFromString(strings.TrimSpace(rc.PerUnit))
		if err != nil || perUnit.IsNegative() {
			return RateCard{}, fmt.Errorf("%w: %s", ErrInvalidRate, category)
		}
		card.rates[category] = Rate{Category: category, Unit: strings.TrimSpace(rc.Unit), PerUnit: perUnit}
	}
	return card, nil
}

// Lookup resolves the rate of category. A sub-module category such as
// "compute.functions" falls back to its parent "compute" unless it has a
// rate of its own.
func (c RateCard) Lookup(category string) (Rate, bool) {
	category = normalizeCategory(category)
	for category != "" {
		if rate, ok := c.rates[category]; ok {
			return rate, true
		}
		idx := strings.LastIndexByte(category, '.')
		if idx < 0 {
			break
		}
		category = category[:idx]
	}
	return Rate{}, false
}

// Price normalizes totals into each category's rated unit, rounds every
// category to cents, and sums the rounded amounts. The total is never
// rounded again, so it always equals the sum of the displayed lines.
func (c RateCard) Price(totals []usagedomain.Total) (Breakdown, error) {
	type acc struct {
		rate     Rate
		quantity decimal.Decimal
	}
	byCategory := map[string]*acc{}
	for _, total := range totals {
		if total.Quantity.IsNegative() {
			return Breakdown{}, fmt.Errorf("%w: %s", ErrNegativeUsage, total.Category)
		}
		category := normalizeCategory(total.Category)
		rate, ok := c.Lookup(category)
		if !ok {
			return Breakdown{}, fmt.Errorf("%w: %s", ErrMissingRate, category)
		}
		quantity, err := Normalize(total.Quantity, total.Unit, rate.Unit)
		if err != nil {
			return Breakdown{}, fmt.Errorf("%s %s -> %s: %w", category, total.Unit, rate.Unit, err)
		}
		entry, ok := byCategory[category]
		if !ok {
			entry = &acc{rate: rate, quantity: decimal.Zero}
			byCategory[category] = entry
		}
		entry.quantity = entry.quantity.Add(quantity)
	}

	categories := make([]string, 0, len(byCategory))
	for category := range byCategory {
		categories = append(categories, category)
	}
	sort.Strings(categories)

	breakdown := Breakdown{Lines: make([]Line, 0, len(categories)), Total: decimal.Zero}
	for _, category := range categories {
		entry := byCategory[category]
		amount := entry.quantity.Mul(entry.rate.PerUnit).Round(2)
		breakdown.Lines = append(breakdown.Lines, Line{
			Category: category,
			Unit:     entry.rate.Unit,
			Quantity: entry.quantity,
			Rate:     entry.rate.PerUnit,
			Amount:   amount,
		})
		breakdown.Total = breakdown.Total.Add(amount)
	}
	return breakdown, nil
}

func normalizeCategory(category string) string {
	return strings.ToLower(strings.TrimSpace(category))
}
