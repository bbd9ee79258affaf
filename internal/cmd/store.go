package cmd

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/simrunner/internal/config"
	"github.com/3leaps/simrunner/internal/observability"
	"github.com/3leaps/simrunner/pkg/ledgerdb"
	"github.com/3leaps/simrunner/pkg/resultstore"
)

// openStore opens the configured result ledger and replays it into a store.
// runID tags new ledger records; empty generates one.
func openStore(ctx context.Context, cfg *config.Config, runID string) (*resultstore.Store, error) {
	if runID == "" {
		runID = uuid.New().String()
	}
	logger := observability.CLILogger.Named("results")

	var ledger resultstore.Ledger
	switch cfg.Ledger.Kind {
	case config.LedgerMemory:
		ledger = resultstore.NewMemoryLedger()
	case config.LedgerSQLite:
		l, err := ledgerdb.Open(ctx, ledgerdb.Config{
			Path:      cfg.Ledger.Path,
			URL:       cfg.Ledger.URL,
			AuthToken: cfg.Ledger.AuthToken,
		})
		if err != nil {
			return nil, fmt.Errorf("open sqlite ledger: %w", err)
		}
		ledger = l
	case config.LedgerJSONL, "":
		l, err := resultstore.OpenJSONL(cfg.Ledger.Path, runID, logger)
		if err != nil {
			return nil, err
		}
		ledger = l
	default:
		return nil, fmt.Errorf("unknown ledger kind %q", cfg.Ledger.Kind)
	}

	store, err := resultstore.Open(ctx, ledger, resultstore.Options{Logger: logger})
	if err != nil {
		_ = ledger.Close()
		return nil, err
	}

	observability.CLILogger.Debug("Result store opened",
		zap.String("kind", cfg.Ledger.Kind),
		zap.String("path", cfg.Ledger.Path),
		zap.Int("results", store.Len()))
	return store, nil
}
