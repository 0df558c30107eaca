// Package report folds raw view rows into the compact business-fact
// summaries that get injected into the model context. Views across
// deployments disagree on column naming, so lookups go through alias lists;
// all derived ratios use NULL-safe division (zero denominator yields nil).
package report

import (
	"strconv"
	"strings"
	"time"

	contractx "github.com/tiendabot/tiendabot/assistant/contract"
)

// firstValue returns the first non-nil value among the candidate columns.
func firstValue(row contractx.ResultRow, candidates []string) any {
	for _, key := range candidates {
		if v, ok := row.Values[key]; ok && v != nil {
			return v
		}
	}
	return nil
}

// firstNumber extracts the first candidate column as float64, or 0.
func firstNumber(row contractx.ResultRow, candidates []string) float64 {
	v := firstValue(row, candidates)
	if v == nil {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int64:
		return float64(n)
	case int:
		return float64(n)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0
		}
		return parsed
	default:
		return 0
	}
}

var dateLayouts = []string{"2006-01-02", "02-01-2006", "2006/01/02", time.RFC3339}

// firstDate extracts the first candidate column as a date, or zero time.
func firstDate(row contractx.ResultRow, candidates []string) time.Time {
	v := firstValue(row, candidates)
	switch d := v.(type) {
	case time.Time:
		return d
	case string:
		trimmed := strings.TrimSpace(d)
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, trimmed); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}

// safeDiv mirrors the views' NULLIF division contract: a zero denominator
// yields nil, never an error or infinity.
func safeDiv(num, den float64) *float64 {
	if den == 0 {
		return nil
	}
	q := num / den
	return &q
}
