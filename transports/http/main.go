// Command connpool-http runs the connection manager with its HTTP health and
// metrics surface.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/maximhq/connpool"
	"github.com/maximhq/connpool/schemas"
	"github.com/urfave/cli/v2"
)

var (
	host       string
	port       string
	configPath string
	logLevel   string
	logStyle   string
)

func main() {
	// Values from .env are visible to the flag EnvVars below.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	app := &cli.App{
		Name:   "connpool-http",
		Usage:  "serve connection pool health, stats and metrics over HTTP",
		Action: run,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "host",
				Usage:       "host to bind to",
				Value:       "localhost",
				EnvVars:     []string{"CONNPOOL_HOST"},
				Destination: &host,
			},
			&cli.StringFlag{
				Name:        "port",
				Usage:       "port to listen on",
				Value:       "8090",
				EnvVars:     []string{"CONNPOOL_PORT"},
				Destination: &port,
				Aliases:     []string{"p"},
			},
			&cli.StringFlag{
				Name:        "config",
				Usage:       "path to the YAML or JSON config file",
				Value:       "config.yaml",
				EnvVars:     []string{"CONNPOOL_CONFIG"},
				Destination: &configPath,
				Aliases:     []string{"c"},
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error)",
				Value:       string(schemas.LogLevelInfo),
				EnvVars:     []string{"CONNPOOL_LOG_LEVEL"},
				Destination: &logLevel,
			},
			&cli.StringFlag{
				Name:        "log-style",
				Usage:       "log output style (json, pretty)",
				Value:       string(schemas.LoggerOutputTypeJSON),
				EnvVars:     []string{"CONNPOOL_LOG_STYLE"},
				Destination: &logStyle,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(*cli.Context) error {
	logger := connpool.NewDefaultLogger(schemas.LogLevel(logLevel))
	logger.SetOutputType(schemas.LoggerOutputType(logStyle))

	config, err := connpool.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	server, err := NewServer(context.Background(), host, port, config, logger)
	if err != nil {
		return err
	}
	if err := server.Start(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}
