package cmd

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DominicWuest/tagscepter/internal/ci"
	"github.com/DominicWuest/tagscepter/internal/metrics"
	"github.com/DominicWuest/tagscepter/internal/server"
	"github.com/DominicWuest/tagscepter/internal/store"
	"github.com/DominicWuest/tagscepter/pkg/tagscepter"
	"github.com/phayes/freeport"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var servePort int
var serveHost string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the bisection service",
	Long: `Start the bisection service.
Tasks, their iterations, build jobs and feedback are persisted in the configured SQLite database,
and unfinished tasks are picked up again on startup.

Calling this command results in a RESTful HTTP server being created, with whose API tasks can be created,
judged and followed live over a websocket. Prometheus metrics are served on /metrics.
Pass --port 0 to listen on a free port.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		config := loadConfig()
		if cmd.Flags().Changed("host") {
			config.Server.Host = serveHost
		}
		if cmd.Flags().Changed("port") {
			config.Server.Port = servePort
		}
		if config.Server.Port == 0 {
			port, err := freeport.GetFreePort()
			if err != nil {
				logrus.Fatalf("Failed to get a free port - %v", err)
			}
			config.Server.Port = port
		}

		db, err := store.New(config.Database)
		if err != nil {
			logrus.Fatalf("Failed to open database %s - %v", config.Database, err)
		}
		defer db.Close()

		if config.TagsPath != "" {
			importTags(db, config.TagsPath)
		}

		engine := &tagscepter.Engine{
			Config: *config,
			Tags:   db,
			Store:  db,
			Log:    newEngineLog(),

			Publisher: tagscepter.NewPublisher(),
		}

		// Local build services push their results, everything else is polled
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		engine.BuildServices, err = ci.NewAll(config.BuildServices, engine.Log, func(buildService, externalBuildID, status string) {
			if _, err := engine.ReconcileExternal(ctx, buildService, externalBuildID, status); err != nil {
				engine.Log.Debugf("Pushed status %q of build %s not applied, leaving it to the poller - %v", status, externalBuildID, err)
			}
		})
		if err != nil {
			logrus.Fatalf("Failed to create build services - %v", err)
		}
		if len(engine.BuildServices) == 0 {
			logrus.Warn("No build services configured, tasks cannot be created")
		}

		registry, m := metrics.NewRegistry()
		sub := engine.Publisher.SubscribeAll()
		go m.Consume(sub)
		defer sub.Close()

		if err := engine.Start(); err != nil {
			logrus.Fatalf("Failed to start engine - %v", err)
		}

		srv := server.NewServer(engine, registry, engine.Log)
		if err := srv.Start(config.Server.Host, config.Server.Port); err != nil {
			logrus.Fatalf("Failed to start webserver - %v", err)
		}
		logrus.Infof("Serving on %s:%d", config.Server.Host, config.Server.Port)

		// Wait for an interrupt
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		logrus.Info("Shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logrus.Warnf("Failed to shut down webserver gracefully - %v", err)
		}
		cancel()
		engine.Stop()

		for name, service := range engine.BuildServices {
			if closer, ok := service.(io.Closer); ok {
				if err := closer.Close(); err != nil {
					logrus.Warnf("Failed to close build service %s - %v", name, err)
				}
			}
		}
		logrus.Info("Done.")
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntVarP(&servePort, "port", "p", 40032, "The port on which to start the server, 0 picks a free one")
	serveCmd.Flags().StringVar(&serveHost, "host", "localhost", "The host on which to start the server")
}
