package report

import (
	"fmt"
	"sort"
	"strings"

	contractx "github.com/tiendabot/tiendabot/assistant/contract"
)

var (
	salesDayColumns      = []string{"dia", "fecha", "day", "date", "month", "mes"}
	salesRevenueColumns  = []string{"precio_venta", "revenue_bruto", "revenue", "precio_total", "precio", "ingresos"}
	salesShippingColumns = []string{"costo_envio", "shipping_cost", "envio_total"}
	salesUnitCostColumns = []string{"costo_unitario", "unit_cost", "costo", "costo_producto", "costs"}
	salesOrderIDColumns  = []string{"order_id", "orden_id", "id_orden", "id_order", "orderid", "order_number", "numero_orden"}
)

// MonthlySales is one month's aggregated figures. MarginPct is nil when the
// month had no revenue.
type MonthlySales struct {
	Month     string
	Revenue   float64
	Costs     float64
	Profit    float64
	MarginPct *float64
	Orders    int
}

// SalesSummary buckets daily sales rows by month, newest first. Rows without
// a recognizable date column are skipped.
func SalesSummary(rows []contractx.ResultRow) []MonthlySales {
	type bucket struct {
		revenue  float64
		product  float64
		shipping float64
		orders   map[string]struct{}
	}
	months := make(map[string]*bucket)

	for _, row := range rows {
		day := firstDate(row, salesDayColumns)
		if day.IsZero() {
			continue
		}
		key := day.Format("2006-01")

		b, ok := months[key]
		if !ok {
			b = &bucket{orders: make(map[string]struct{})}
			months[key] = b
		}

		b.revenue += firstNumber(row, salesRevenueColumns)
		b.product += firstNumber(row, salesUnitCostColumns)
		b.shipping += firstNumber(row, salesShippingColumns)

		if id := firstValue(row, salesOrderIDColumns); id != nil {
			if text := strings.TrimSpace(fmt.Sprint(id)); text != "" {
				b.orders[text] = struct{}{}
			}
		}
	}

	out := make([]MonthlySales, 0, len(months))
	for key, b := range months {
		costs := b.product + b.shipping
		profit := b.revenue - costs
		var margin *float64
		if m := safeDiv(profit, b.revenue); m != nil {
			pct := *m * 100
			margin = &pct
		}
		out = append(out, MonthlySales{
			Month:     key,
			Revenue:   b.revenue,
			Costs:     costs,
			Profit:    profit,
			MarginPct: margin,
			Orders:    len(b.orders),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Month > out[j].Month })
	return out
}

// FormatSales renders a compact month-per-line summary for model context.
func FormatSales(months []MonthlySales) string {
	if len(months) == 0 {
		return ""
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "REPORTE DE VENTAS Y COSTOS (%d meses):\n", len(months))
	for _, m := range months {
		fmt.Fprintf(&sb, "- %s: ingresos=%.2f costos=%.2f utilidad=%.2f", m.Month, m.Revenue, m.Costs, m.Profit)
		if m.MarginPct != nil {
			fmt.Fprintf(&sb, " margen=%.1f%%", *m.MarginPct)
		} else {
			sb.WriteString(" margen=n/d")
		}
		if m.Orders > 0 {
			fmt.Fprintf(&sb, " ordenes=%d", m.Orders)
		}
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n")
}
