package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danthegoodman1/tierdb/crdb"
	"github.com/danthegoodman1/tierdb/gologger"
	"github.com/danthegoodman1/tierdb/http_server"
	"github.com/danthegoodman1/tierdb/metastore"
	"github.com/danthegoodman1/tierdb/migrations"
	"github.com/danthegoodman1/tierdb/schema"
	"github.com/danthegoodman1/tierdb/utils"
)

var logger = gologger.NewLogger()

func main() {
	logger.Debug().Msg("starting tierdb")

	cfg, err := schema.LoadConfig(utils.TABLES_FILE)
	if err != nil {
		// ConfigError fails fast, nothing is partially registered
		logger.Error().Err(err).Str("file", utils.TABLES_FILE).Msg("error loading table declarations")
		os.Exit(1)
	}

	var meta metastore.MetaStore
	if utils.CRDB_DSN != "" {
		if err := crdb.ConnectToDB(); err != nil {
			logger.Error().Err(err).Msg("error connecting to CRDB")
			os.Exit(1)
		}
		if _, err := migrations.RunMigrations(utils.CRDB_DSN); err != nil {
			logger.Error().Err(err).Msg("error running migrations")
			os.Exit(1)
		}
		meta, err = metastore.NewCRDBMetaStore(crdb.PGPool)
		if err != nil {
			logger.Error().Err(err).Msg("error creating metastore")
			os.Exit(1)
		}
	}

	tdb, err := NewTierDB(cfg, meta, nil)
	if err != nil {
		logger.Error().Err(err).Msg("error creating engine")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*60)
	err = tdb.Bootstrap(ctx)
	cancel()
	if err != nil {
		logger.Error().Err(err).Msg("error bootstrapping")
		os.Exit(1)
	}
	logger.Info().Msg("bootstrap complete")

	if utils.GetEnvOrDefault("SERVE", "0") != "1" {
		os.Exit(0)
	}

	tdb.Scheduler.Start(time.Second * time.Duration(utils.GetEnvOrDefaultInt("LIFECYCLE_INTERVAL_SEC", 60)))
	httpServer := http_server.StartHTTPServer(http_server.Deps{
		Catalog:   tdb.Catalog,
		Buffer:    tdb.Buffer,
		Scheduler: tdb.Scheduler,
		Merger:    tdb.Merger,
		Reporter:  tdb.Reporter,
	})

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	logger.Warn().Msg("received shutdown signal!")

	// For AWS ALB needing some time to de-register pod
	sleepTime := utils.GetEnvOrDefaultInt("SHUTDOWN_SLEEP_SEC", 0)
	logger.Info().Msg(fmt.Sprintf("sleeping for %ds before exiting", sleepTime))
	time.Sleep(time.Second * time.Duration(sleepTime))

	ctx, cancel = context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown HTTP server")
	}
	// lets the in-flight pass finish, then flushes every table's buffer
	if err := tdb.Scheduler.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown scheduler")
	}
	if meta != nil {
		if err := meta.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("failed to shutdown metastore")
		}
	}
	logger.Info().Msg("shutdown complete")
}
