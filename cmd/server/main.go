package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/redsanjin-1/bigfile/config"
	"github.com/redsanjin-1/bigfile/internal/chunkstore"
	"github.com/redsanjin-1/bigfile/internal/transfer"
	"github.com/redsanjin-1/bigfile/pkg/env"
	"github.com/redsanjin-1/bigfile/pkg/httpserver"
	"github.com/redsanjin-1/bigfile/pkg/logging"
)

func main() {
	env.LoadEnv()
	logging.InitLogger(false)

	app := &cli.App{
		Name:  "bigfile-server",
		Usage: "Receive resumable chunked uploads and serve the merged files",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "./config",
				Usage:   "directory holding config.yaml",
				EnvVars: []string{"BIGFILE_CONFIG_DIR"},
			},
			&cli.StringFlag{Name: "addr", Usage: "listen address, overrides server.addr"},
			&cli.BoolFlag{Name: "debug", Usage: "verbose text logging"},
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:    "serve",
				Aliases: []string{"s"},
				Usage:   "Start the ingest server",
				Action:  serve,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logging.Log.Fatal(err)
	}
}

func serve(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	logging.InitLogger(cfg.Debug || c.Bool("debug"))
	log := logging.Component("server")

	addr := cfg.Server.Addr
	if c.IsSet("addr") {
		addr = c.String("addr")
	}

	store, err := chunkstore.New(chunkstore.Options{
		PublicDir:        cfg.Server.PublicDir,
		TempDir:          cfg.Server.TempDir,
		ChunkSize:        cfg.Server.ChunkSize,
		MergeConcurrency: cfg.Server.MergeConcurrency,
		Logger:           logging.Component("chunkstore"),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(logrus.Fields{
		"public":     cfg.Server.PublicDir,
		"temp":       cfg.Server.TempDir,
		"chunk_size": cfg.Server.ChunkSizeRaw,
	}).Info("🚀 bigfile server starting")

	return httpserver.New(addr, transfer.NewServer(store, log).Handler(), log).Run(ctx)
}
