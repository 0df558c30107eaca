// Package intent classifies inbound chat messages into business-data
// categories with lightweight keyword matching. Stateless; recomputed per
// message.
package intent

import (
	"strings"

	contractx "github.com/tiendabot/tiendabot/assistant/contract"
)

// Menu shortcuts follow the welcome-message numbering: sales, income and
// expenses, marketing, top products, customer analytics, general report.
var menuShortcuts = map[string]contractx.IntentCategory{
	"1": contractx.IntentSalesReport, "uno": contractx.IntentSalesReport,
	"2": contractx.IntentFinanceReport, "dos": contractx.IntentFinanceReport,
	"3": contractx.IntentMarketingReport, "tres": contractx.IntentMarketingReport,
	"4": contractx.IntentProducts, "cuatro": contractx.IntentProducts,
	"5": contractx.IntentAnalytics, "cinco": contractx.IntentAnalytics,
	"6": contractx.IntentAnalytics, "seis": contractx.IntentAnalytics,
}

// Keyword tables are matched against the folded (lowercase, accent-stripped)
// message. Order matters: earlier rules win.
var keywordRules = []struct {
	category contractx.IntentCategory
	words    []string
}{
	{contractx.IntentOrders, []string{"pedido", "orden", "compra", "order", "tracking", "envio"}},
	{contractx.IntentStock, []string{"stock", "inventario", "inventory", "disponible", "disponibilidad"}},
	{contractx.IntentCustomers, []string{"cliente", "clientes", "customer", "customers", "lead"}},
	{contractx.IntentMarketingReport, []string{"marketing", "anuncio", "anuncios", "publicidad", "ads", "campana", "campaign", "roas", "roi", "cpc"}},
	{contractx.IntentProducts, []string{"producto", "productos", "product", "products", "catalogo", "precio", "precios"}},
	{contractx.IntentFinanceReport, []string{"financiero", "financieros", "gastos", "margen", "ganancia", "utilidad", "expenses"}},
	{contractx.IntentSalesReport, []string{"ventas", "venta", "ingresos", "revenue", "facturacion", "costos", "sales"}},
	{contractx.IntentAnalytics, []string{"reporte", "reportes", "analisis", "metricas", "estadisticas", "dashboard", "kpi"}},
}

var accentFolder = strings.NewReplacer(
	"á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u", "ü", "u", "ñ", "n",
	"¿", " ", "¡", " ", "?", " ", "!", " ",
)

// Classify returns the business-data category of a message, or IntentGeneral
// when no keyword matches.
func Classify(message string) contractx.IntentCategory {
	folded := fold(message)
	if folded == "" {
		return contractx.IntentGeneral
	}

	if cat, ok := menuShortcuts[folded]; ok {
		return cat
	}

	for _, rule := range keywordRules {
		for _, word := range rule.words {
			if strings.Contains(folded, word) {
				return rule.category
			}
		}
	}
	return contractx.IntentGeneral
}

func fold(message string) string {
	return strings.TrimSpace(accentFolder.Replace(strings.ToLower(message)))
}
