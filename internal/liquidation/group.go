// Package liquidation holds the settlement arithmetic: grouping records into
// service units, classifying them, resolving payout shares and flattening
// the result for export. Everything here is pure except the rate lookups
// performed through a RateSource.
package liquidation

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/jwalitptl/clinic-liquidation/internal/model"
)

// GroupKey identifies the unit of settlement: one patient's one service.
type GroupKey struct {
	Patient string `json:"patient"`
	Service string `json:"service"`
}

const keySeparator = "|"

func (k GroupKey) String() string {
	return k.Patient + keySeparator + k.Service
}

// Group is the set of records sharing a GroupKey. Never empty.
type Group struct {
	Key     GroupKey
	Records []model.Record
}

// CompletionRule decides when a group is ready to be settled.
type CompletionRule string

const (
	// RuleCompletionDate: every record has a completion date.
	RuleCompletionDate CompletionRule = "completion_date"
	// RuleStrict additionally requires zero remaining liquidated value.
	RuleStrict CompletionRule = "strict"
	// RuleSessions compares completed sessions against the sessions the
	// treatment needs, ignoring completion dates.
	RuleSessions CompletionRule = "sessions"
)

func ParseCompletionRule(s string) (CompletionRule, error) {
	switch CompletionRule(s) {
	case "", RuleCompletionDate:
		return RuleCompletionDate, nil
	case RuleStrict:
		return RuleStrict, nil
	case RuleSessions:
		return RuleSessions, nil
	default:
		return "", fmt.Errorf("unknown completion rule %q", s)
	}
}

// GroupRecords partitions records by (patient, service). The result is
// sorted by patient then service, and members by date then id, so it does
// not depend on input order.
func GroupRecords(records []model.Record) []Group {
	index := make(map[GroupKey]int)
	var groups []Group
	for _, r := range records {
		key := GroupKey{Patient: r.PatientName, Service: r.Service}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, Group{Key: key})
		}
		groups[i].Records = append(groups[i].Records, r)
	}

	for _, g := range groups {
		sort.Slice(g.Records, func(i, j int) bool {
			a, b := g.Records[i], g.Records[j]
			if !a.Date.Equal(b.Date.Time) {
				return a.Date.Before(b.Date.Time)
			}
			return a.ID < b.ID
		})
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Key.Patient != groups[j].Key.Patient {
			return groups[i].Key.Patient < groups[j].Key.Patient
		}
		return groups[i].Key.Service < groups[j].Key.Service
	})
	return groups
}

// Classify splits groups into complete and pending under rule.
func Classify(groups []Group, rule CompletionRule) (complete, pending []Group) {
	for _, g := range groups {
		if g.IsComplete(rule) {
			complete = append(complete, g)
		} else {
			pending = append(pending, g)
		}
	}
	return complete, pending
}

func (g Group) IsComplete(rule CompletionRule) bool {
	if len(g.Records) == 0 {
		return false
	}
	if rule == RuleSessions {
		return g.SessionsCompleted() >= g.SessionsRequired()
	}
	for _, r := range g.Records {
		if !r.IsCompleted() {
			return false
		}
		if rule == RuleStrict && !r.Remaining.IsZero() {
			return false
		}
	}
	return true
}

func (g Group) first() model.Record {
	if len(g.Records) == 0 {
		return model.Record{}
	}
	return g.Records[0]
}

func (g Group) sum(field func(model.Record) decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, r := range g.Records {
		total = total.Add(field(r))
	}
	return total
}

func (g Group) Total() decimal.Decimal {
	return g.sum(func(r model.Record) decimal.Decimal { return r.Total })
}

func (g Group) Paid() decimal.Decimal {
	return g.sum(func(r model.Record) decimal.Decimal { return r.Paid })
}

func (g Group) Remaining() decimal.Decimal {
	return g.sum(func(r model.Record) decimal.Decimal { return r.Remaining })
}

func (g Group) Deposit() decimal.Decimal {
	return g.sum(func(r model.Record) decimal.Decimal { return r.Deposit })
}

func (g Group) SessionsCompleted() int {
	n := 0
	for _, r := range g.Records {
		n += r.SessionsCompleted
	}
	return n
}

// SessionsRequired is taken from the group's earliest record.
func (g Group) SessionsRequired() int {
	return g.first().SessionsToComplete
}

// Progress renders completed/required sessions, e.g. "3/5".
func (g Group) Progress() string {
	return fmt.Sprintf("%d/%d", g.SessionsCompleted(), g.SessionsRequired())
}

func (g Group) OwnPatient() bool {
	return g.first().OwnPatient
}

func (g Group) RuleID() int {
	return g.first().PercentageRuleID
}

func (g Group) PatientDocument() string {
	return g.first().PatientDocument
}

// PaymentMethods lists distinct payment methods in first-seen order.
func (g Group) PaymentMethods() []string {
	return distinct(g.Records, func(r model.Record) string { return r.PaymentMethod })
}

// DepositMethods lists distinct payment methods of records carrying a deposit.
func (g Group) DepositMethods() []string {
	var withDeposit []model.Record
	for _, r := range g.Records {
		if r.Deposit.IsPositive() {
			withDeposit = append(withDeposit, r)
		}
	}
	return distinct(withDeposit, func(r model.Record) string { return r.DepositMethod })
}

func (g Group) RecordIDs() []string {
	ids := make([]string, 0, len(g.Records))
	for _, r := range g.Records {
		ids = append(ids, r.ID)
	}
	return ids
}

func distinct(records []model.Record, field func(model.Record) string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, r := range records {
		v := field(r)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// Filter returns the records matching q, preserving input order.
func Filter(records []model.Record, q model.ViewQuery) []model.Record {
	var out []model.Record
	for _, r := range records {
		if q.Matches(r) {
			out = append(out, r)
		}
	}
	return out
}

// Options returns the sorted distinct patient and service names of records,
// used to populate the optional filters.
func Options(records []model.Record) (patients, services []string) {
	patients = distinct(records, func(r model.Record) string { return r.PatientName })
	services = distinct(records, func(r model.Record) string { return r.Service })
	sort.Strings(patients)
	sort.Strings(services)
	return patients, services
}

// Without returns a copy of records lacking the given ids.
func Without(records []model.Record, ids []string) []model.Record {
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	out := make([]model.Record, 0, len(records))
	for _, r := range records {
		if _, ok := drop[r.ID]; !ok {
			out = append(out, r)
		}
	}
	return out
}
