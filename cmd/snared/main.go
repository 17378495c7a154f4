// Command snared runs the Snare deception service: an AI-assistant honeypot
// that detects prompt-injection traffic, classifies automated peers, plants
// canary credentials, and reports findings to an external sink.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/snarehq/snare/pkg/canary"
	"github.com/snarehq/snare/pkg/classify"
	"github.com/snarehq/snare/pkg/config"
	"github.com/snarehq/snare/pkg/detect"
	"github.com/snarehq/snare/pkg/logging"
	"github.com/snarehq/snare/pkg/metrics"
	"github.com/snarehq/snare/pkg/report"
	"github.com/snarehq/snare/pkg/respond"
	"github.com/snarehq/snare/pkg/server"
	"github.com/snarehq/snare/pkg/session"
)

// chatBaiter feeds the responder throwaway-looking API keys for replies to
// credential questions.
type chatBaiter struct {
	canaries *canary.Service
}

func (b *chatBaiter) BaitValue() (string, bool) {
	token, err := b.canaries.Mint(canary.TypeOpenAIKey, map[string]string{"surface": "chat_reply"})
	if err != nil {
		return "", false
	}
	return token.Value, true
}

func main() {
	cfg := config.NewDefaultConfig()
	logger := logging.New(cfg)

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	// Rule loading failures degrade to the built-in set, never fatal.
	rules := detect.BuiltinRules()
	if cfg.Detect.RuleFile != "" {
		loaded, err := detect.LoadRules(cfg.Detect.RuleFile)
		if err != nil {
			logger.Warn().Err(err).Str("file", cfg.Detect.RuleFile).Msg("rule file unusable, using built-in rules")
		} else {
			rules = loaded
		}
	}
	engine := detect.NewEngine(cfg.Detect, rules, logger)
	logger.Info().Int("rules", engine.RuleCount()).Msg("detection engine ready")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sink, err := report.NewSink(ctx, cfg.Report, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("sink", string(cfg.Report.Sink)).Msg("cannot construct report sink")
	}
	pipeline := report.NewPipeline(cfg.Report, sink, m, logger)

	canaries := canary.NewService(cfg.InstanceID, pipeline, logger)
	logger.Info().Str("marker", canaries.Marker()).Msg("canary service ready")

	classifier := classify.NewClassifier(cfg.Classify, logger)
	responder := respond.NewResponder(cfg.Respond, &chatBaiter{canaries: canaries}, logger)
	registry := session.NewRegistry(cfg.Session, m, logger)

	srv, err := server.New(cfg, server.Deps{
		Engine:     engine,
		Classifier: classifier,
		Canaries:   canaries,
		Responder:  responder,
		Registry:   registry,
		Pipeline:   pipeline,
		Metrics:    m,
		PromReg:    promReg,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("cannot construct server")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run()
	}()

	select {
	case err := <-errCh:
		logger.Error().Err(err).Msg("listener stopped")
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("server shutdown incomplete")
	}

	registry.Close()
	pipeline.Close()
	closeSink(sink)

	fmt.Fprintln(os.Stderr, "snared stopped")
}

// closeSink tears down connection-backed sinks.
func closeSink(sink report.Sink) {
	switch s := sink.(type) {
	case *report.NATSSink:
		s.Close()
	case *report.RedisSink:
		_ = s.Close()
	case *report.PostgresSink:
		s.Close()
	}
}
