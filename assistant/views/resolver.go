// Package views resolves intent categories to deployment-specific database
// views and runs bounded, parameterized queries against them.
package views

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"

	contractx "github.com/tiendabot/tiendabot/assistant/contract"
)

// Candidate view names per category, in fixed priority order. Deployments
// name their views inconsistently (English, Spanish, view_ prefixes), so the
// resolver probes these until one exists.
var candidateViews = map[contractx.IntentCategory][]string{
	contractx.IntentProducts: {
		"v_products", "view_products", "products_view",
		"productos", "v_productos", "products", "product",
	},
	contractx.IntentOrders: {
		"v_orders", "view_orders", "orders_view",
		"pedidos", "v_pedidos", "orders",
	},
	contractx.IntentStock: {
		"v_stock", "view_stock", "stock_view",
		"inventario", "v_inventario", "stock", "inventory",
	},
	contractx.IntentCustomers: {
		"v_customers", "view_customers", "customers_view",
		"clientes", "v_clientes", "customers",
	},
	contractx.IntentSalesReport: {
		"v_sales_dashboard_planilla", "v_monthly_sales_costs",
		"v_sales_report", "v_ventas", "v_sales", "v_revenue", "v_facturacion",
	},
	contractx.IntentMarketingReport: {
		"v_marketing_performance_analysis", "v_marketing_report",
		"v_marketing", "v_ads", "v_publicidad", "v_campaigns", "v_campanas",
	},
	contractx.IntentFinanceReport: {
		"v_financial_report", "v_financiero", "v_ingresos_gastos",
		"v_expenses", "v_gastos",
	},
	contractx.IntentAnalytics: {
		"v_analytics", "v_dashboard", "v_metricas", "v_estadisticas", "v_kpis",
	},
}

const viewExistsQuery = `SELECT EXISTS (SELECT 1 FROM information_schema.views WHERE table_schema = 'public' AND table_name = $1)`

type ResolverConfig struct {
	// Comma-separated allow-list of view names. Empty means unrestricted:
	// every candidate the database exposes may be returned.
	ViewsEnabled string        `envconfig:"VIEWS_ENABLED" split_words:"true"`
	ProbeTimeout time.Duration `envconfig:"PROBE_TIMEOUT" split_words:"true" default:"5s"`
}

// Resolver maps categories to existing view names and caches the outcome,
// including misses, for the process lifetime.
type Resolver struct {
	db      *bun.DB
	allowed map[string]struct{}
	timeout time.Duration

	mu    sync.RWMutex
	cache map[contractx.IntentCategory]resolution
}

type resolution struct {
	name  string
	found bool
}

var _ contractx.Resolver = (*Resolver)(nil)

func NewResolver(db *bun.DB, cfg ResolverConfig) (*Resolver, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	timeout := cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	allowed := parseAllowList(cfg.ViewsEnabled)
	if len(allowed) > 0 {
		names := make([]string, 0, len(allowed))
		for name := range allowed {
			names = append(names, name)
		}
		log.Info().Strs("views", names).Msg("view allow-list enabled")
	}

	return &Resolver{
		db:      db,
		allowed: allowed,
		timeout: timeout,
		cache:   make(map[contractx.IntentCategory]resolution, len(candidateViews)),
	}, nil
}

// Resolve returns the first candidate view for the category that exists and
// passes the allow-list. ErrResolutionNotFound is a valid terminal outcome
// and is cached like a hit so metadata is never re-probed.
func (r *Resolver) Resolve(ctx context.Context, category contractx.IntentCategory) (string, error) {
	r.mu.RLock()
	cached, ok := r.cache[category]
	r.mu.RUnlock()
	if ok {
		return cached.resolve(category)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.cache[category]; ok {
		return cached.resolve(category)
	}

	res, err := r.probe(ctx, category)
	if err != nil {
		// Probe infrastructure failures are not cached; the next turn may
		// reach the database again.
		return "", err
	}
	r.cache[category] = res
	return res.resolve(category)
}

func (r *Resolver) probe(ctx context.Context, category contractx.IntentCategory) (resolution, error) {
	candidates := candidateViews[category]
	for _, name := range candidates {
		if !r.allowedView(name) {
			log.Warn().Str("view", name).Str("category", string(category)).
				Msg("candidate view denied by allow-list")
			continue
		}

		exists, err := r.viewExists(ctx, name)
		if err != nil {
			return resolution{}, fmt.Errorf("%w: probe view %s: %v", contractx.ErrQueryConnection, name, err)
		}
		if exists {
			log.Info().Str("view", name).Str("category", string(category)).Msg("resolved view")
			return resolution{name: name, found: true}, nil
		}
	}

	log.Warn().Str("category", string(category)).Int("candidates", len(candidates)).
		Msg("no view resolved for category")
	return resolution{}, nil
}

func (r *Resolver) viewExists(ctx context.Context, name string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var exists bool
	row := r.db.DB.QueryRowContext(ctx, viewExistsQuery, normalizeViewName(name))
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (r *Resolver) allowedView(name string) bool {
	if len(r.allowed) == 0 {
		return true
	}
	_, ok := r.allowed[normalizeViewName(name)]
	return ok
}

func (res resolution) resolve(category contractx.IntentCategory) (string, error) {
	if !res.found {
		return "", fmt.Errorf("%w: category=%s", contractx.ErrResolutionNotFound, category)
	}
	return res.name, nil
}

func parseAllowList(raw string) map[string]struct{} {
	allowed := make(map[string]struct{})
	for _, part := range strings.Split(raw, ",") {
		name := normalizeViewName(part)
		if name != "" {
			allowed[name] = struct{}{}
		}
	}
	return allowed
}

// normalizeViewName strips quoting and schema prefixes so allow-list entries
// compare equal regardless of how the operator wrote them.
func normalizeViewName(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimSpace(strings.Trim(name, `"`))
	return strings.ToLower(name)
}
