// Package server is the HTTP face of the honeypot: an OpenAI-shaped chat
// endpoint plus bait pages seeded with canary credentials and trap phrases.
// It wires the transport to the detection, classification, deception, and
// reporting components.
package server

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/snarehq/snare/pkg/canary"
	"github.com/snarehq/snare/pkg/classify"
	"github.com/snarehq/snare/pkg/config"
	"github.com/snarehq/snare/pkg/detect"
	"github.com/snarehq/snare/pkg/metrics"
	"github.com/snarehq/snare/pkg/report"
	"github.com/snarehq/snare/pkg/respond"
	"github.com/snarehq/snare/pkg/session"
)

// Deps bundles the constructed core components the server routes traffic
// through.
type Deps struct {
	Engine     *detect.Engine
	Classifier *classify.Classifier
	Canaries   *canary.Service
	Responder  *respond.Responder
	Registry   *session.Registry
	Pipeline   *report.Pipeline
	Metrics    *metrics.Metrics
	PromReg    *prometheus.Registry
}

// Server owns the fiber app and the bait content minted at startup.
type Server struct {
	cfg     *config.Config
	deps    Deps
	logger  zerolog.Logger
	app     *fiber.App
	limiter *rate.Limiter
	turns   *identityState

	// Bait tokens are minted once per process so every crawler sees the same
	// stable credentials, which makes reuse attribution unambiguous.
	baitEnv    []canary.Token
	baitConfig []canary.Token
}

// New builds the server and mints its bait inventory.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) (*Server, error) {
	rps := cfg.GlobalRPS
	if rps <= 0 {
		rps = 200
	}
	burst := cfg.GlobalBurst
	if burst <= 0 {
		burst = int(rps) * 2
	}

	s := &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.With().Str("component", "server").Logger(),
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		turns:   newIdentityState(2 * cfg.Session.MaxSessions),
	}

	if err := s.mintBait(); err != nil {
		return nil, fmt.Errorf("mint bait inventory: %w", err)
	}

	app := fiber.New(fiber.Config{
		AppName:      "snare",
		ErrorHandler: s.errorHandler,
	})

	app.Use(s.rateLimitMiddleware)

	app.Get("/healthz", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(deps.PromReg, promhttp.HandlerOpts{})))

	app.Post("/v1/chat/completions", s.handleChatCompletions)
	app.Get("/v1/models", s.handleModels)

	app.Get("/robots.txt", s.handleRobots)
	app.Get("/internal/.env", s.handleEnvBait)
	app.Get("/internal/config.json", s.handleConfigBait)

	s.app = app
	return s, nil
}

// mintBait creates the fixed canary set served on the bait pages.
func (s *Server) mintBait() error {
	mint := func(typ canary.TokenType, page string) (canary.Token, error) {
		return s.deps.Canaries.Mint(typ, map[string]string{"surface": page})
	}

	for _, typ := range []canary.TokenType{
		canary.TypeOpenAIKey, canary.TypeAWSKeyPair, canary.TypeDatabaseURL,
		canary.TypeSlackToken, canary.TypeGitHubPAT,
	} {
		token, err := mint(typ, "/internal/.env")
		if err != nil {
			return err
		}
		s.baitEnv = append(s.baitEnv, token)
	}

	for _, typ := range []canary.TokenType{canary.TypeBearerJWT, canary.TypeDatabaseURL} {
		token, err := mint(typ, "/internal/config.json")
		if err != nil {
			return err
		}
		s.baitConfig = append(s.baitConfig, token)
	}
	return nil
}

// rateLimitMiddleware applies the whole-service token bucket. Per-source
// admission control happens later, in the session registry.
func (s *Server) rateLimitMiddleware(c fiber.Ctx) error {
	if !s.limiter.Allow() {
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"error": fiber.Map{
				"message": "Rate limit reached. Please retry shortly.",
				"type":    "rate_limit_error",
			},
		})
	}
	return c.Next()
}

func (s *Server) errorHandler(c fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}
	s.logger.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{"message": "internal error", "type": "server_error"},
	})
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("listening")
	return s.app.Listen(s.cfg.ListenAddr)
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	deadline := 10 * time.Second
	if d, ok := ctx.Deadline(); ok {
		deadline = time.Until(d)
	}
	return s.app.ShutdownWithTimeout(deadline)
}
