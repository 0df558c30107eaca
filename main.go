package main

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	contractx "github.com/tiendabot/tiendabot/assistant/contract"
	"github.com/tiendabot/tiendabot/assistant/convo"
	"github.com/tiendabot/tiendabot/assistant/engine"
	"github.com/tiendabot/tiendabot/assistant/orchestrator"
	"github.com/tiendabot/tiendabot/assistant/prompt"
	"github.com/tiendabot/tiendabot/assistant/report"
	toolx "github.com/tiendabot/tiendabot/assistant/tool"
	"github.com/tiendabot/tiendabot/assistant/toolserver"
	"github.com/tiendabot/tiendabot/assistant/views"
	configx "github.com/tiendabot/tiendabot/pkg/config"
	_ "github.com/tiendabot/tiendabot/pkg/logger/autoload"
)

type AppConfig struct {
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	Phone       string `envconfig:"PHONE"`
}

func main() {
	ctx := context.Background()
	appCfg := configx.MustNew[AppConfig]("")

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(appCfg.DatabaseURL)))
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()

	resolver, err := views.NewResolver(db, *configx.MustNew[views.ResolverConfig]("VIEWS"))
	if err != nil {
		log.Fatal().Err(err).Msg("create resolver")
	}
	executor, err := views.NewExecutor(db, *configx.MustNew[views.ExecutorConfig]("QUERY"))
	if err != nil {
		log.Fatal().Err(err).Msg("create executor")
	}
	assembler := convo.NewAssembler(*configx.MustNew[convo.AssemblerConfig]("CONTEXT"))

	registry := toolx.NewRegistry()
	serverCfg := configx.MustNew[toolserver.Config]("TOOLSERVER")
	startToolServer(*serverCfg, registry, resolver, executor)

	bridge, err := toolx.NewBridge(registry, *configx.MustNew[toolx.BridgeConfig]("TOOL"))
	if err != nil {
		log.Fatal().Err(err).Msg("create tool bridge")
	}

	invoker, err := engine.New(
		*configx.MustNew[engine.Config]("MODEL"),
		buildProviders(ctx),
		bridge,
		registry.Specs(),
		prompt.System(),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("create model engine")
	}

	service, err := orchestrator.NewService(resolver, executor, assembler, invoker)
	if err != nil {
		log.Fatal().Err(err).Msg("create orchestrator")
	}

	runChat(ctx, service, appCfg.Phone)
}

// buildProviders constructs every provider whose credentials are present; the
// engine rejects candidate chains that name a missing one.
func buildProviders(ctx context.Context) []contractx.Provider {
	var providers []contractx.Provider

	if cfg, err := configx.New[engine.OpenAIConfig]("OPENAI"); err == nil {
		p, err := engine.NewOpenAIProvider(*cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("create openai provider")
		}
		providers = append(providers, p)
	}
	if cfg, err := configx.New[engine.GeminiConfig]("GEMINI"); err == nil {
		p, err := engine.NewGeminiProvider(ctx, *cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("create gemini provider")
		}
		providers = append(providers, p)
	}
	return providers
}

// startToolServer hosts the local data-lookup tool and registers it so the
// model can call it through the bridge.
func startToolServer(cfg toolserver.Config, registry *toolx.Registry, resolver contractx.Resolver, executor contractx.Executor) {
	server := toolserver.New(cfg)
	server.Register("consultar_datos", dataLookupHandler(resolver, executor))

	go func() {
		if err := server.Run(); err != nil {
			log.Fatal().Err(err).Msg("tool server stopped")
		}
	}()

	spec := contractx.ToolSpec{
		Name:        "consultar_datos",
		Description: "Consulta los datos del negocio por categoría: products, orders, stock, customers, sales-report, marketing-report, finance-report o analytics.",
		Params: map[string]contractx.ToolParam{
			"categoria": {Type: "string", Description: "Categoría de datos a consultar", Required: true},
			"limite":    {Type: "integer", Description: "Máximo de registros a devolver"},
		},
	}
	base, err := localToolServerURL(cfg.Addr)
	if err != nil {
		log.Fatal().Err(err).Msg("derive tool server url")
	}
	if err := registry.Register(spec, toolx.ServerRef{URL: base, Token: cfg.Secret}); err != nil {
		log.Fatal().Err(err).Msg("register tool")
	}
}

// localToolServerURL derives the loopback base URL the bridge should use for
// the in-process tool server. Wildcard listen hosts map to 127.0.0.1.
func localToolServerURL(addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("tool server addr %q: %w", addr, err)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port), nil
}

func dataLookupHandler(resolver contractx.Resolver, executor contractx.Executor) toolserver.Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		category, _ := args["categoria"].(string)
		view, err := resolver.Resolve(ctx, contractx.IntentCategory(strings.TrimSpace(category)))
		if err != nil {
			return nil, err
		}

		limit := 20
		if raw, ok := args["limite"].(float64); ok && raw > 0 {
			limit = int(raw)
		}
		rows, err := executor.Query(ctx, view, contractx.QueryFilter{Limit: limit})
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"registros": len(rows),
			"datos":     report.FormatRecords("DATOS:", rows, limit),
		}, nil
	}
}

// runChat is a minimal line-oriented chat loop over stdin.
func runChat(ctx context.Context, service *orchestrator.Service, phone string) {
	fmt.Println("tiendabot listo. Escribe tu mensaje (Ctrl+D para salir).")

	var history []contractx.Message
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		history = append(history, contractx.Message{Role: contractx.RoleUser, Content: text})
		answer, err := service.HandleMessage(ctx, orchestrator.Turn{Phone: phone, History: history})
		if err != nil {
			log.Error().Err(err).Msg("handle message")
			fmt.Println("Lo siento, no pude procesar tu mensaje. Intenta de nuevo.")
			continue
		}
		history = append(history, contractx.Message{Role: contractx.RoleAssistant, Content: answer})
		fmt.Println(answer)
	}
}
