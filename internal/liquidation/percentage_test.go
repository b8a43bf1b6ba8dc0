package liquidation

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/clinic-liquidation/internal/model"
)

type countingRates struct {
	rates map[int]decimal.Decimal
	calls map[int]int
	err   error
}

func (c *countingRates) PercentageRate(_ context.Context, ruleID int) (decimal.Decimal, error) {
	if c.calls == nil {
		c.calls = make(map[int]int)
	}
	c.calls[ruleID]++
	if c.err != nil {
		return decimal.Zero, c.err
	}
	rate, ok := c.rates[ruleID]
	if !ok {
		return decimal.Zero, errors.New("rule not found")
	}
	return rate, nil
}

func groupWith(own bool, ruleID int, totals ...int64) Group {
	var records []model.Record
	for i, total := range totals {
		r := record(string(rune('a'+i)), "Ana", "Ortodoncia", "2024-03-01", total, true)
		r.OwnPatient = own
		r.PercentageRuleID = ruleID
		records = append(records, r)
	}
	return GroupRecords(records)[0]
}

func TestResolveAssistant(t *testing.T) {
	r := NewResolver(nil, DefaultOwnRuleID)

	own := r.Resolve(context.Background(), groupWith(true, 1, 1000), model.PractitionerAssistant)
	assert.Equal(t, "0.2", own.Fraction.String())
	assert.Equal(t, "Asistente propio (20%)", own.Label)

	clinic := r.Resolve(context.Background(), groupWith(false, 1, 1000), model.PractitionerAssistant)
	assert.Equal(t, "0.1", clinic.Fraction.String())
}

func TestResolveDoctorFromRateTable(t *testing.T) {
	rates := &countingRates{rates: map[int]decimal.Decimal{
		1: decimal.NewFromInt(40),
		2: decimal.RequireFromString("0.5"),
	}}
	r := NewResolver(rates, DefaultOwnRuleID)

	clinic := r.Resolve(context.Background(), groupWith(false, 1, 1000), model.PractitionerDoctor)
	assert.Equal(t, "0.4", clinic.Fraction.String())
	assert.Equal(t, "Clínica (40%)", clinic.Label)
	assert.False(t, clinic.Fallback)

	own := r.Resolve(context.Background(), groupWith(true, 2, 1000), model.PractitionerDoctor)
	assert.Equal(t, "0.5", own.Fraction.String())
	assert.Equal(t, "Propio (50%)", own.Label)
}

func TestResolveDoctorFallback(t *testing.T) {
	rates := &countingRates{err: errors.New("upstream down")}
	r := NewResolver(rates, DefaultOwnRuleID)

	own := r.Resolve(context.Background(), groupWith(true, 2, 1000), model.PractitionerDoctor)
	assert.Equal(t, "0.5", own.Fraction.String())
	assert.True(t, own.Fallback)

	other := r.Resolve(context.Background(), groupWith(true, 7, 1000), model.PractitionerDoctor)
	assert.Equal(t, "0.4", other.Fraction.String())
	assert.True(t, other.Fallback)
}

func TestResolverLooksUpEachRuleOnce(t *testing.T) {
	rates := &countingRates{rates: map[int]decimal.Decimal{1: decimal.NewFromInt(40)}}
	r := NewResolver(rates, DefaultOwnRuleID)

	groups := []Group{groupWith(false, 1, 1000), groupWith(false, 1, 2000), groupWith(false, 3, 500)}
	Evaluate(context.Background(), r, groups, model.PractitionerDoctor)

	assert.Equal(t, 1, rates.calls[1])
	assert.Equal(t, 1, rates.calls[3])
}

func TestPayableScenario(t *testing.T) {
	rates := &countingRates{rates: map[int]decimal.Decimal{2: decimal.NewFromInt(50)}}
	g := groupWith(true, 2, 100000, 50000)
	require.True(t, g.IsComplete(RuleStrict))

	lines := Evaluate(context.Background(), NewResolver(rates, DefaultOwnRuleID), []Group{g}, model.PractitionerDoctor)
	require.Len(t, lines, 1)
	assert.Equal(t, "75000", lines[0].Payable.String())
	assert.Equal(t, "75000", Sum(lines).String())
}

func TestPayableKeepsFractionalPesos(t *testing.T) {
	g := groupWith(false, 3, 33333)

	lines := Evaluate(context.Background(), NewResolver(&countingRates{}, DefaultOwnRuleID), []Group{g}, model.PractitionerDoctor)
	require.Len(t, lines, 1)
	assert.Equal(t, "13333.2", lines[0].Payable.String())
	assert.Equal(t, "13333.2", Sum(lines).String())
	assert.Contains(t, FormatCOP(Sum(lines)), "333")
	assert.NotContains(t, FormatCOP(Sum(lines)), "3332")
}

func TestNormalizeRate(t *testing.T) {
	assert.Equal(t, "0.5", NormalizeRate(decimal.NewFromInt(50)).String())
	assert.Equal(t, "0.35", NormalizeRate(decimal.RequireFromString("0.35")).String())
	assert.Equal(t, "1", NormalizeRate(decimal.NewFromInt(1)).String())
}
