// Package orchestrator ties one inbound chat turn together: classify the
// message, fetch business facts from the resolved view, assemble the bounded
// conversation and run it through the model chain.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	contractx "github.com/tiendabot/tiendabot/assistant/contract"
	"github.com/tiendabot/tiendabot/assistant/convo"
	"github.com/tiendabot/tiendabot/assistant/intent"
	"github.com/tiendabot/tiendabot/assistant/report"
)

// Per-category row limits. Report categories keep the executor ceiling so
// monthly aggregation sees the full window.
var categoryLimits = map[contractx.IntentCategory]int{
	contractx.IntentProducts:  30,
	contractx.IntentOrders:    10,
	contractx.IntentStock:     30,
	contractx.IntentCustomers: 20,
}

var recordHeaders = map[contractx.IntentCategory]string{
	contractx.IntentProducts:  "PRODUCTOS DISPONIBLES:",
	contractx.IntentOrders:    "PEDIDOS RECIENTES:",
	contractx.IntentStock:     "INVENTARIO ACTUAL:",
	contractx.IntentCustomers: "CLIENTES REGISTRADOS:",
	contractx.IntentAnalytics: "MÉTRICAS DEL NEGOCIO:",
}

// Turn is one inbound message with its dialogue so far. The latest user
// message is the last user-role entry of History.
type Turn struct {
	Phone   string
	History []contractx.Message
}

type Service struct {
	resolver  contractx.Resolver
	executor  contractx.Executor
	assembler *convo.Assembler
	invoker   contractx.Invoker
}

func NewService(resolver contractx.Resolver, executor contractx.Executor, assembler *convo.Assembler, invoker contractx.Invoker) (*Service, error) {
	if resolver == nil || executor == nil || assembler == nil || invoker == nil {
		return nil, errors.New("orchestrator: all collaborators are required")
	}
	return &Service{
		resolver:  resolver,
		executor:  executor,
		assembler: assembler,
		invoker:   invoker,
	}, nil
}

// HandleMessage processes one turn. Missing views and query failures degrade
// to an answer without injected facts; only model chain exhaustion and
// context cancellation surface as errors.
func (s *Service) HandleMessage(ctx context.Context, turn Turn) (string, error) {
	text := latestUserText(turn.History)
	if text == "" {
		return "", errors.New("orchestrator: turn has no user message")
	}

	category := intent.Classify(text)
	facts := s.gatherFacts(ctx, category, turn, text)

	messages := s.assembler.Assemble(turn.History, facts, nil)
	answer, err := s.invoker.Invoke(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("invoke model chain: %w", err)
	}
	return answer, nil
}

// gatherFacts resolves and queries the category's view, formatting rows for
// model context. Every failure path returns "" so the turn still gets an
// answer.
func (s *Service) gatherFacts(ctx context.Context, category contractx.IntentCategory, turn Turn, text string) string {
	if category == contractx.IntentGeneral {
		return ""
	}

	view, err := s.resolver.Resolve(ctx, category)
	if err != nil {
		if errors.Is(err, contractx.ErrResolutionNotFound) {
			log.Info().Str("category", string(category)).Msg("no view for category, answering without data")
		} else {
			log.Error().Err(err).Str("category", string(category)).Msg("view resolution failed")
		}
		return ""
	}

	rows, err := s.queryCategory(ctx, view, category, turn)
	if err != nil {
		log.Error().Err(err).Str("view", view).Msg("view query failed")
		return ""
	}
	if len(rows) == 0 {
		return ""
	}

	switch category {
	case contractx.IntentSalesReport, contractx.IntentFinanceReport:
		return report.FormatSales(report.SalesSummary(rows))
	case contractx.IntentMarketingReport:
		scope := report.NormalizeScope(text)
		if scope == "" {
			scope = report.ScopeCampaigns
		}
		entries, overall := report.MarketingSummary(rows, scope)
		return report.FormatMarketing(entries, overall, scope)
	default:
		return report.FormatRecords(recordHeaders[category], rows, categoryLimits[category])
	}
}

// queryCategory scopes the orders category to the caller's phone when the
// view exposes such a column; a schema mismatch retries unscoped.
func (s *Service) queryCategory(ctx context.Context, view string, category contractx.IntentCategory, turn Turn) ([]contractx.ResultRow, error) {
	filter := contractx.QueryFilter{Limit: categoryLimits[category]}

	if category == contractx.IntentOrders && strings.TrimSpace(turn.Phone) != "" {
		scoped := filter
		scoped.Equals = map[string]any{"customer_phone": strings.TrimSpace(turn.Phone)}
		rows, err := s.executor.Query(ctx, view, scoped)
		if err == nil {
			return rows, nil
		}
		if !errors.Is(err, contractx.ErrSchemaMismatch) {
			return nil, err
		}
		log.Debug().Str("view", view).Msg("view has no customer phone column, querying unscoped")
	}

	return s.executor.Query(ctx, view, filter)
}

func latestUserText(history []contractx.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == contractx.RoleUser {
			return strings.TrimSpace(history[i].Content)
		}
	}
	return ""
}
