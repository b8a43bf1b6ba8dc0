package liquidation

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/jwalitptl/clinic-liquidation/internal/model"
)

var (
	hundred = decimal.NewFromInt(100)

	assistantOwnShare    = decimal.RequireFromString("0.2")
	assistantClinicShare = decimal.RequireFromString("0.1")
	doctorOwnFallback    = decimal.RequireFromString("0.5")
	doctorClinicFallback = decimal.RequireFromString("0.4")
)

// DefaultOwnRuleID is the percentage rule that marks a doctor's own patient.
const DefaultOwnRuleID = 2

// RateSource looks up the configured payout rate of a percentage rule.
type RateSource interface {
	PercentageRate(ctx context.Context, ruleID int) (decimal.Decimal, error)
}

// RateSourceFunc adapts a function to RateSource.
type RateSourceFunc func(ctx context.Context, ruleID int) (decimal.Decimal, error)

func (f RateSourceFunc) PercentageRate(ctx context.Context, ruleID int) (decimal.Decimal, error) {
	return f(ctx, ruleID)
}

// Share is the fraction of a group's total paid out to the practitioner.
type Share struct {
	Fraction decimal.Decimal `json:"fraction"`
	Label    string          `json:"label"`
	Fallback bool            `json:"fallback,omitempty"`
}

// Percent renders the fraction as a percentage number, e.g. "50".
func (s Share) Percent() string {
	return s.Fraction.Mul(hundred).String()
}

// Resolver computes payout shares. A Resolver memoizes rate lookups, so
// create one per evaluation to look each rule up at most once.
type Resolver struct {
	rates     RateSource
	ownRuleID int
	rateCache map[int]rateResult
}

type rateResult struct {
	rate decimal.Decimal
	err  error
}

func NewResolver(rates RateSource, ownRuleID int) *Resolver {
	return &Resolver{
		rates:     rates,
		ownRuleID: ownRuleID,
		rateCache: make(map[int]rateResult),
	}
}

// Resolve never fails: doctor lookups that error out fall back to the
// default split for the group's rule.
func (r *Resolver) Resolve(ctx context.Context, g Group, kind model.PractitionerType) Share {
	own := g.OwnPatient()
	if kind == model.PractitionerAssistant {
		if own {
			return newShare(assistantOwnShare, "Asistente propio", false)
		}
		return newShare(assistantClinicShare, "Asistente clínica", false)
	}

	patientLabel := "Clínica"
	if own {
		patientLabel = "Propio"
	}

	rate, err := r.lookup(ctx, g.RuleID())
	if err == nil && rate.IsPositive() {
		return newShare(rate, patientLabel, false)
	}
	if g.RuleID() == r.ownRuleID {
		return newShare(doctorOwnFallback, patientLabel, true)
	}
	return newShare(doctorClinicFallback, patientLabel, true)
}

func (r *Resolver) lookup(ctx context.Context, ruleID int) (decimal.Decimal, error) {
	if res, ok := r.rateCache[ruleID]; ok {
		return res.rate, res.err
	}
	var res rateResult
	if r.rates == nil {
		res.err = fmt.Errorf("no rate source configured")
	} else {
		res.rate, res.err = r.rates.PercentageRate(ctx, ruleID)
		res.rate = NormalizeRate(res.rate)
	}
	r.rateCache[ruleID] = res
	return res.rate, res.err
}

// NormalizeRate reads rates above 1 as percentages (50 -> 0.5).
func NormalizeRate(rate decimal.Decimal) decimal.Decimal {
	if rate.GreaterThan(decimal.NewFromInt(1)) {
		return rate.Div(hundred)
	}
	return rate
}

func newShare(fraction decimal.Decimal, kind string, fallback bool) Share {
	s := Share{Fraction: fraction, Fallback: fallback}
	s.Label = fmt.Sprintf("%s (%s%%)", kind, s.Percent())
	return s
}

// Line is a group evaluated for settlement.
type Line struct {
	Group   Group
	Share   Share
	Payable decimal.Decimal
}

// Payable is the group total times the share. Amounts keep full precision;
// FormatCOP rounds for display.
func Payable(g Group, s Share) decimal.Decimal {
	return g.Total().Mul(s.Fraction)
}

// Evaluate resolves the share and payable amount of each group.
func Evaluate(ctx context.Context, r *Resolver, groups []Group, kind model.PractitionerType) []Line {
	lines := make([]Line, 0, len(groups))
	for _, g := range groups {
		share := r.Resolve(ctx, g, kind)
		lines = append(lines, Line{Group: g, Share: share, Payable: Payable(g, share)})
	}
	return lines
}

// Sum adds up the payable amounts.
func Sum(lines []Line) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Payable)
	}
	return total
}

// GroupsTotal adds up the group totals.
func GroupsTotal(groups []Group) decimal.Decimal {
	total := decimal.Zero
	for _, g := range groups {
		total = total.Add(g.Total())
	}
	return total
}

// RecordIDs collects the record ids of every line.
func RecordIDs(lines []Line) []string {
	var ids []string
	for _, l := range lines {
		ids = append(ids, l.Group.RecordIDs()...)
	}
	return ids
}
