package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/driftwatch/alignd/internal/audit"
	"github.com/driftwatch/alignd/internal/config"
	"github.com/driftwatch/alignd/internal/httpapi"
	"github.com/driftwatch/alignd/internal/journal"
	"github.com/driftwatch/alignd/internal/kernel"
	"github.com/driftwatch/alignd/internal/logging"
	"github.com/driftwatch/alignd/internal/memtier"
	"github.com/driftwatch/alignd/internal/nudge"
	"github.com/driftwatch/alignd/internal/outcome"
	"github.com/driftwatch/alignd/internal/upgrade"
)

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer logging.Sync(logger)

	logger.Info("alignd starting",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port))

	journalPath, err := config.ExpandPath(cfg.Journal.Path)
	if err != nil {
		return fmt.Errorf("resolving journal path: %w", err)
	}
	jrn, err := journal.New(journalPath, logger.Named("journal"))
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer jrn.Close()

	var index memtier.RetrievalIndex
	if cfg.Index.Enabled {
		embedFn, err := memtier.NewEmbeddingFunc(memtier.EmbeddingProviderConfig{
			BaseURL: cfg.Index.Embeddings.BaseURL,
			Model:   cfg.Index.Embeddings.Model,
			APIKey:  cfg.Index.Embeddings.APIKey,
		})
		if err != nil {
			return fmt.Errorf("creating embedding function: %w", err)
		}
		indexPath, err := config.ExpandPath(cfg.Index.Path)
		if err != nil {
			return fmt.Errorf("resolving index path: %w", err)
		}
		idx, err := memtier.NewChromemIndex(memtier.ChromemIndexConfig{
			Path:     indexPath,
			Compress: cfg.Index.Compress,
		}, embedFn, logger.Named("index"))
		if err != nil {
			return fmt.Errorf("creating retrieval index: %w", err)
		}
		index = idx
	} else {
		logger.Info("retrieval index disabled, cache tier uses recency ordering")
	}

	store, err := memtier.NewStore(cfg.Store, jrn, index, logger.Named("store"))
	if err != nil {
		return fmt.Errorf("creating patch store: %w", err)
	}

	classifier, err := outcome.NewSignalClassifier(outcome.DefaultIndicators())
	if err != nil {
		return fmt.Errorf("creating signal classifier: %w", err)
	}
	recorder, err := kernel.NewJournalRecorder(jrn)
	if err != nil {
		return fmt.Errorf("creating recorder: %w", err)
	}
	resolver, err := outcome.NewResolver(classifier, recorder, logger.Named("resolver"))
	if err != nil {
		return fmt.Errorf("creating resolver: %w", err)
	}

	var nc *nats.Conn
	if cfg.NATS.Enabled {
		nc, err = nats.Connect(cfg.NATS.URL, nats.Name("alignd"))
		if err != nil {
			return fmt.Errorf("connecting to NATS at %s: %w", cfg.NATS.URL, err)
		}
		defer nc.Close()
	}

	oracle, err := audit.NewLLMOracle(cfg.OracleSettings(), logger.Named("oracle"))
	if err != nil {
		return fmt.Errorf("creating oracle: %w", err)
	}

	auditorOpts := []audit.Option{}
	if nc != nil {
		auditorOpts = append(auditorOpts, audit.WithPublisher(nc))
	}
	auditor, err := audit.NewAuditor(cfg.AuditSettings(), oracle, store, jrn, logger.Named("auditor"), auditorOpts...)
	if err != nil {
		return fmt.Errorf("creating auditor: %w", err)
	}

	var nudger *nudge.Nudger
	if cfg.Nudge.Enabled {
		nudger, err = nudge.NewNudger(cfg.NudgeSettings(), resolver, jrn, logger.Named("nudger"))
		if err != nil {
			return fmt.Errorf("creating nudger: %w", err)
		}
	}

	k, err := kernel.New(cfg.Kernel, resolver, nudger, auditor, store, jrn, logger.Named("kernel"))
	if err != nil {
		return fmt.Errorf("creating kernel: %w", err)
	}

	maintenance, err := memtier.NewMaintenanceScheduler(store, logger.Named("maintenance"),
		memtier.WithJournalRetentionDays(cfg.Journal.RetentionDays))
	if err != nil {
		return fmt.Errorf("creating maintenance scheduler: %w", err)
	}
	if err := maintenance.Start(); err != nil {
		return fmt.Errorf("starting maintenance scheduler: %w", err)
	}
	defer maintenance.Stop()

	if nc != nil {
		listener, err := upgrade.NewListener(nc, store, logger.Named("upgrade"))
		if err != nil {
			return fmt.Errorf("creating upgrade listener: %w", err)
		}
		if err := listener.Start(); err != nil {
			return fmt.Errorf("starting upgrade listener: %w", err)
		}
		defer listener.Stop()
	}

	server, err := httpapi.NewServer(k, logger.Named("http"), &httpapi.Config{
		Host: "localhost",
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}

	// Drain in-flight audits before the journal closes.
	auditor.Wait()

	logger.Info("alignd stopped")
	return nil
}
