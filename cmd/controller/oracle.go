package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/tidewatch/internal/config"
	"github.com/danielpatrickdp/tidewatch/internal/oracle"
)

// buildCompleter picks the oracle backend. Gemini without an API key falls
// back to offline simulation rather than failing the run.
func buildCompleter(ctx context.Context, cfg config.OracleConfig) (oracle.Completer, func(), error) {
	noop := func() {}

	switch cfg.Provider {
	case config.ProviderGemini:
		if cfg.APIKey == "" {
			logger.Warn("GEMINI_API_KEY not set, using offline oracle")
			return oracle.Offline{}, noop, nil
		}
		g, err := oracle.NewGemini(ctx, oracle.GeminiConfig{
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
		})
		if err != nil {
			return nil, noop, err
		}
		return g, noop, nil

	case config.ProviderGRPC:
		g, err := oracle.DialGRPC(cfg.Addr)
		if err != nil {
			return nil, noop, err
		}
		return g, func() {
			if err := g.Close(); err != nil {
				logger.Warn("close oracle connection", zap.Error(err))
			}
		}, nil

	default:
		return oracle.Offline{}, noop, nil
	}
}
