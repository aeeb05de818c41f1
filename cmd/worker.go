package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AzielCF/az-relay/core/config"
	"github.com/AzielCF/az-relay/infrastructure/lock"
	"github.com/AzielCF/az-relay/infrastructure/whatsapp"
	"github.com/AzielCF/az-relay/integrations/edge"
	"github.com/AzielCF/az-relay/pkg/utils"
	"github.com/AzielCF/az-relay/ui/rest"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the session supervisor",
	Long: `Runs the discovery loop, holds per-instance locks and keeps the
targeted WhatsApp sessions connected until terminated.`,
	Run: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, _ []string) {
	cfg := config.Global

	if err := utils.CreateFolder(cfg.Paths.AuthBase, cfg.Paths.MediaBase); err != nil {
		logrus.Fatalf("[WORKER] data directories unavailable: %v", err)
	}

	owner := utils.GetProcessOwnerID(cfg.App.OwnerID)
	logrus.Infof("[WORKER] starting %s as %s", cfg.App.Version, owner)

	client := edge.NewClient(cfg.Edge.BaseURL, cfg.Edge.Secret, time.Duration(cfg.Edge.TimeoutMs)*time.Millisecond)
	locks := lock.NewCoordinator(client, owner, cfg.Lock.TTLMs, cfg.Lock.RenewMs)
	manager := whatsapp.NewManager(cfg, client, locks)

	app := rest.NewApp(cfg, manager)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logrus.Info("[WORKER] termination signal received, shutting down gracefully...")
		if err := app.Shutdown(); err != nil {
			logrus.Errorf("[WORKER] liveness server shutdown error: %v", err)
		}
	}()

	manager.Start()

	if err := app.Listen(":" + cfg.App.Port); err != nil {
		logrus.Errorf("[WORKER] liveness server stopped: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	manager.Stop(ctx)
	logrus.Info("[WORKER] shutdown complete")
}
