// Package toolserver hosts locally implemented tools behind the same HTTP
// contract the bridge speaks: POST /tools/:name plus GET /health, with an
// optional bearer secret.
package toolserver

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler executes one local tool call.
type Handler func(ctx context.Context, args map[string]any) (any, error)

type Config struct {
	Addr string `envconfig:"ADDR" split_words:"true" default:":9000"`
	// Optional shared secret; when set, tool calls must carry it as a bearer
	// token. Health stays public.
	Secret string `envconfig:"SECRET" split_words:"true"`
}

type Server struct {
	engine   *gin.Engine
	secret   string
	addr     string
	handlers map[string]Handler
}

type invokeBody struct {
	Arguments map[string]any `json:"arguments"`
}

func New(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine:   engine,
		secret:   strings.TrimSpace(cfg.Secret),
		addr:     cfg.Addr,
		handlers: make(map[string]Handler),
	}

	engine.GET("/health", s.health)
	engine.POST("/tools/:name", s.authorize, s.invoke)
	return s
}

// Register adds a local tool handler. Call before Run; the handler map is
// not guarded for concurrent mutation.
func (s *Server) Register(name string, h Handler) {
	s.handlers[name] = h
}

// Router exposes the gin engine as an http.Handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.engine
}

func (s *Server) Run() error {
	log.Info().Str("addr", s.addr).Int("tools", len(s.handlers)).Msg("tool server listening")
	return s.engine.Run(s.addr)
}

func (s *Server) health(c *gin.Context) {
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	sort.Strings(names)

	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"tools":  names,
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) authorize(c *gin.Context) {
	if s.secret == "" {
		return
	}
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token != s.secret {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
	}
}

func (s *Server) invoke(c *gin.Context) {
	name := c.Param("name")
	handler, ok := s.handlers[name]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown tool: " + name})
		return
	}

	var body invokeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	payload, err := handler(c.Request.Context(), body.Arguments)
	if err != nil {
		log.Warn().Err(err).Str("tool", name).Msg("tool handler failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, payload)
}
