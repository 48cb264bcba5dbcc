package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openmux/omnichat/internal/dispatch"
	"github.com/openmux/omnichat/internal/httpserver"
	"github.com/openmux/omnichat/internal/observability"
	"github.com/openmux/omnichat/internal/registry"
	"github.com/openmux/omnichat/internal/store"
	"github.com/openmux/omnichat/internal/surface"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the dispatch engine, browser surfaces and control API.",
	RunE:  runApp,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runApp(cmd *cobra.Command, args []string) error {
	logger := observability.GetLogger()
	defer observability.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	persister, err := store.NewFilePersister(cfg.Storage.StateFile())
	if err != nil {
		return err
	}
	st := store.New(persister, logger)

	archive, err := store.OpenArchive(cfg.Storage.ArchiveFile())
	if err != nil {
		logger.Warn("Message archive unavailable; continuing without it", zap.Error(err))
		archive = nil
	} else {
		defer archive.Close()
	}

	reg := registry.New(logger)
	mgr, err := surface.NewManager(ctx, cfg.Browser, logger, reg)
	if err != nil {
		return err
	}
	defer mgr.Close()

	// Mount a surface per active target before accepting requests.
	mgr.Apply(ctx, st.ActiveTargets())

	engine := dispatch.NewEngine(st, reg, cfg.Dispatch, logger)
	rec := dispatch.NewReconciler(st, reg, engine, mgr, cfg.Dispatch, logger)

	srv := httpserver.New(st, engine, rec, archive, cfg.Server, logger)
	if err := srv.Start(ctx); err != nil {
		return err
	}

	logger.Info("Shutdown complete")
	return nil
}
