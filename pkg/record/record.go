package record

import (
	"math"
	"strconv"
)

// Terminal states for a (bibcode, target version) pair. Every persisted
// record carries exactly one of these.
const (
	StatePass             = "DONE_PASS"
	StateFailBudget       = "DONE_FAIL_BUDGET"
	StateFailUnrepairable = "DONE_FAIL_UNREPAIRABLE"
)

// Package-manager classifications derived from recipe text.
const (
	PkgPip     = "pip"
	PkgSystem  = "system"
	PkgUnknown = "unknown"
)

// Header is the CSV column order consumed positionally by the downstream
// analytics tooling. Do not reorder or remove columns.
var Header = []string{
	"bibcode",
	"base_version",
	"target_version",
	"cases_passed",
	"cases_failed",
	"pass_percentage",
	"package_manager",
	"error_details",
	"modifications",
	"terminal_state",
}

// Record is the terminal summary for one recipe/version pair.
//
// PassPct is nil when the test run produced zero cases; it is exported as
// the literal string "NaN" rather than being coerced to 0 or 100.
type Record struct {
	Bibcode        string
	BaseVersion    string
	TargetVersion  string
	CasesPassed    int
	CasesFailed    int
	PassPct        *float64
	PackageManager string
	ErrorDetails   string
	Modifications  string
	TerminalState  string
}

// Row renders the record as a CSV row in Header order.
func (r *Record) Row() []string {
	return []string{
		r.Bibcode,
		r.BaseVersion,
		r.TargetVersion,
		strconv.Itoa(r.CasesPassed),
		strconv.Itoa(r.CasesFailed),
		FormatPct(r.PassPct),
		r.PackageManager,
		r.ErrorDetails,
		r.Modifications,
		r.TerminalState,
	}
}

// FormatPct renders a pass percentage, or "NaN" when undefined.
func FormatPct(p *float64) string {
	if p == nil || math.IsNaN(*p) {
		return "NaN"
	}
	return strconv.FormatFloat(*p, 'f', 2, 64)
}

// PassPercentage computes passed/(passed+failed) as a percentage.
// It returns nil when no cases ran.
func PassPercentage(passed, failed int) *float64 {
	total := passed + failed
	if total <= 0 {
		return nil
	}
	pct := float64(passed) / float64(total) * 100
	return &pct
}
