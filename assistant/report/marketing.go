package report

import (
	"fmt"
	"sort"
	"strings"

	contractx "github.com/tiendabot/tiendabot/assistant/contract"
)

// Marketing analysis scopes, coarsest to finest.
const (
	ScopeCampaigns = "campaigns"
	ScopeAdsets    = "adsets"
	ScopeAds       = "ads"
)

var scopeAliases = map[string]string{
	"campaign": ScopeCampaigns, "campaigns": ScopeCampaigns,
	"campana": ScopeCampaigns, "campanas": ScopeCampaigns, "nivel 1": ScopeCampaigns,
	"adset": ScopeAdsets, "adsets": ScopeAdsets,
	"conjunto": ScopeAdsets, "conjuntos": ScopeAdsets,
	"conjunto de anuncios": ScopeAdsets, "conjuntos de anuncios": ScopeAdsets, "nivel 2": ScopeAdsets,
	"ad": ScopeAds, "ads": ScopeAds,
	"anuncio": ScopeAds, "anuncios": ScopeAds, "nivel 3": ScopeAds,
}

var scopeGroupColumns = map[string][]string{
	ScopeCampaigns: {"campaign_name", "name_campaign", "campaign", "nombre_campana", "campaign_title"},
	ScopeAdsets:    {"adset_name", "ad_set_name", "adset", "conjunto", "nombre_conjunto"},
	ScopeAds:       {"ad_name", "name_ad", "ad", "nombre_anuncio", "ad_title"},
}

var scopeLabels = map[string]string{
	ScopeCampaigns: "campañas",
	ScopeAdsets:    "conjuntos de anuncios",
	ScopeAds:       "anuncios",
}

var (
	spendColumns      = []string{"amount_spent", "spend", "gasto", "gasto_total", "inversion", "costo", "cost", "monto_gastado"}
	revenueColumns    = []string{"revenue", "ingresos", "income", "ventas", "total_revenue", "retorno", "valor", "compras_valor"}
	conversionColumns = []string{"conversions", "conversiones", "purchases", "compras", "resultados", "results", "leads"}
	clicksColumns     = []string{"clicks", "link_clicks", "clics", "clics_enlace"}
)

var marketingAccentFolder = strings.NewReplacer("á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u", "ñ", "n")

// NormalizeScope maps free-form scope text (Spanish or English) onto a
// canonical scope key, or "" when unrecognized.
func NormalizeScope(scope string) string {
	cleaned := strings.TrimSpace(marketingAccentFolder.Replace(strings.ToLower(scope)))
	if cleaned == "" {
		return ""
	}
	if canonical, ok := scopeAliases[cleaned]; ok {
		return canonical
	}
	for alias, canonical := range scopeAliases {
		if len(alias) >= 2 && strings.Contains(cleaned, alias) {
			return canonical
		}
	}
	return ""
}

// ScopeTotals is the aggregate for one campaign/adset/ad (or the overall
// total). ROAS and CPC are nil when their denominator is zero, matching the
// views' NULLIF semantics.
type ScopeTotals struct {
	Name        string
	Spend       float64
	Revenue     float64
	Conversions float64
	Clicks      float64
	ROAS        *float64
	CPC         *float64
}

// MarketingSummary groups rows by the scope's entity name and aggregates
// spend/revenue/conversions/clicks, sorted by revenue descending. Rows
// without a recognizable entity name are skipped.
func MarketingSummary(rows []contractx.ResultRow, scope string) (entries []ScopeTotals, overall ScopeTotals) {
	groupCols, ok := scopeGroupColumns[scope]
	if !ok {
		return nil, ScopeTotals{}
	}

	byName := make(map[string]*ScopeTotals)
	overall = ScopeTotals{Name: "total"}

	for _, row := range rows {
		nameVal := firstValue(row, groupCols)
		if nameVal == nil {
			continue
		}
		name := strings.TrimSpace(fmt.Sprint(nameVal))
		if name == "" {
			continue
		}

		entry, ok := byName[name]
		if !ok {
			entry = &ScopeTotals{Name: name}
			byName[name] = entry
		}

		spend := firstNumber(row, spendColumns)
		revenue := firstNumber(row, revenueColumns)
		conversions := firstNumber(row, conversionColumns)
		clicks := firstNumber(row, clicksColumns)

		entry.Spend += spend
		entry.Revenue += revenue
		entry.Conversions += conversions
		entry.Clicks += clicks

		overall.Spend += spend
		overall.Revenue += revenue
		overall.Conversions += conversions
		overall.Clicks += clicks
	}

	entries = make([]ScopeTotals, 0, len(byName))
	for _, entry := range byName {
		entry.ROAS = safeDiv(entry.Revenue, entry.Spend)
		entry.CPC = safeDiv(entry.Spend, entry.Clicks)
		entries = append(entries, *entry)
	}
	overall.ROAS = safeDiv(overall.Revenue, overall.Spend)
	overall.CPC = safeDiv(overall.Spend, overall.Clicks)

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Revenue != entries[j].Revenue {
			return entries[i].Revenue > entries[j].Revenue
		}
		return entries[i].Name < entries[j].Name
	})
	return entries, overall
}

// FormatMarketing renders the overall totals plus the top three entities.
func FormatMarketing(entries []ScopeTotals, overall ScopeTotals, scope string) string {
	label := scopeLabels[scope]
	if label == "" || len(entries) == 0 {
		return ""
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "RENDIMIENTO DE MARKETING (%s):\n", label)
	sb.WriteString("- total: " + formatTotals(overall) + "\n")

	top := entries
	if len(top) > 3 {
		top = top[:3]
	}
	for i, entry := range top {
		fmt.Fprintf(&sb, "- #%d %s: %s\n", i+1, entry.Name, formatTotals(entry))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatTotals(t ScopeTotals) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "gasto=%.2f ingresos=%.2f conversiones=%.0f", t.Spend, t.Revenue, t.Conversions)
	if t.ROAS != nil {
		fmt.Fprintf(&sb, " roas=%.2f", *t.ROAS)
	} else {
		sb.WriteString(" roas=n/d")
	}
	if t.CPC != nil {
		fmt.Fprintf(&sb, " cpc=%.2f", *t.CPC)
	}
	return sb.String()
}
