// Command tsplot serves a time-series archive and plots its streams.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/vjranagit/tsplot/internal/config"
	"github.com/vjranagit/tsplot/internal/logging"
)

const version = "0.3.0"

var cli struct {
	LogLevel  string `default:"info"    help:"Log level: debug, info, warn, error."`
	LogFormat string `default:"console" help:"Log format: console or json."        enum:"console,json"`

	Serve  ServeParams  `cmd:"" help:"Serve the archive API."`
	Ingest IngestParams `cmd:"" help:"Upload time_ns,value CSV rows to a running archive."`
	View   ViewParams   `cmd:"" help:"Plot a stream headlessly and print what would be drawn."`

	Version struct{} `cmd:"" help:"Print version."`
}

func main() {
	kongCtx := kong.Parse(&cli,
		kong.Name("tsplot"),
		kong.Description("Time-series archive and multi-resolution plot cache."),
		kong.DefaultEnvars("TSPLOT"),
	)

	level, err := zapcore.ParseLevel(cli.LogLevel)
	if err != nil {
		kongCtx.Fatalf("%s", err)
	}

	logger, err := logging.Setup(level, cli.LogFormat)
	if err != nil {
		kongCtx.Fatalf("%s", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := kongCtx.Command()
	logger.Debug("Command", zap.String("command", cmd))

	switch cmd {
	case "serve":
		err = serve(ctx, cfg, &cli.Serve, logger)
	case "ingest <file>":
		err = ingest(ctx, cfg, &cli.Ingest, logger)
	case "view":
		err = view(ctx, cfg, &cli.View, os.Stdout, logger)
	case "version":
		fmt.Println(version)
	default:
		panic("unknown sub-command " + cmd)
	}

	if err != nil {
		logger.Fatal("Command failed", zap.String("command", cmd), zap.Error(err))
	}
}
