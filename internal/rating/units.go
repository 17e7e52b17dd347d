package rating

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

var ErrIncompatibleUnit = errors.New("rating_incompatible_unit")

type unitFamily string

const (
	familyData  unitFamily = "data"
	familyTime  unitFamily = "time"
	familyCount unitFamily = "count"
)

type unitDef struct {
	family unitFamily
	// factor converts one of this unit into the family base unit.
	factor decimal.Decimal
}

var units = map[string]unitDef{
	"b":        {familyData, decimal.NewFromInt(1)},
	"byte":     {familyData, decimal.NewFromInt(1)},
	"bytes":    {familyData, decimal.NewFromInt(1)},
	"kb":       {familyData, decimal.NewFromInt(1_000)},
	"mb":       {familyData, decimal.NewFromInt(1_000_000)},
	"gb":       {familyData, decimal.NewFromInt(1_000_000_000)},
	"tb":       {familyData, decimal.NewFromInt(1_000_000_000_000)},
	"s":        {familyTime, decimal.NewFromInt(1)},
	"sec":      {familyTime, decimal.NewFromInt(1)},
	"second":   {familyTime, decimal.NewFromInt(1)},
	"seconds":  {familyTime, decimal.NewFromInt(1)},
	"min":      {familyTime, decimal.NewFromInt(60)},
	"minute":   {familyTime, decimal.NewFromInt(60)},
	"minutes":  {familyTime, decimal.NewFromInt(60)},
	"h":        {familyTime, decimal.NewFromInt(3_600)},
	"hr":       {familyTime, decimal.NewFromInt(3_600)},
	"hour":     {familyTime, decimal.NewFromInt(3_600)},
	"hours":    {familyTime, decimal.NewFromInt(3_600)},
	"count":    {familyCount, decimal.NewFromInt(1)},
	"unit":     {familyCount, decimal.NewFromInt(1)},
	"units":    {familyCount, decimal.NewFromInt(1)},
	"request":  {familyCount, decimal.NewFromInt(1)},
	"requests": {familyCount, decimal.NewFromInt(1)},
}

// Normalize converts quantity from one unit to another of the same family.
// Data units are decimal (1 GB = 1000 MB). An empty from unit means the
// quantity is already in the target unit.
func Normalize(quantity decimal.Decimal, from, to string) (decimal.Decimal, error) {
	from = strings.ToLower(strings.TrimSpace(from))
	to = strings.ToLower(strings.TrimSpace(to))
	if from == "" || from == to {
		return quantity, nil
	}
	src, ok := units[from]
	if !ok {
		return decimal.Zero, ErrIncompatibleUnit
	}
	dst, ok := units[to]
	if !ok || src.family != dst.family {
		return decimal.Zero, ErrIncompatibleUnit
	}
	return quantity.Mul(src.factor).Div(dst.factor), nil
}
