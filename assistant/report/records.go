package report

import (
	"fmt"
	"strings"
	"time"

	contractx "github.com/tiendabot/tiendabot/assistant/contract"
)

// FormatRecords renders up to max rows as compact "col: value" lines under a
// header. Used for fact categories that have no dedicated summary (products,
// orders, stock, customers).
func FormatRecords(header string, rows []contractx.ResultRow, max int) string {
	if len(rows) == 0 {
		return ""
	}
	if max <= 0 || max > len(rows) {
		max = len(rows)
	}

	var sb strings.Builder
	sb.WriteString(header)
	sb.WriteByte('\n')
	for _, row := range rows[:max] {
		parts := make([]string, 0, len(row.Columns))
		for _, col := range row.Columns {
			v := row.Values[col]
			if v == nil {
				continue
			}
			parts = append(parts, col+": "+formatValue(v))
		}
		sb.WriteString("- " + strings.Join(parts, ", ") + "\n")
	}
	if max < len(rows) {
		fmt.Fprintf(&sb, "(+%d registros más)\n", len(rows)-max)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatValue(v any) string {
	switch val := v.(type) {
	case time.Time:
		return val.Format("2006-01-02")
	case float64:
		return fmt.Sprintf("%.2f", val)
	default:
		return fmt.Sprint(val)
	}
}
