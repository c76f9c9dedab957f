package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/runbridge/runbridge/handler"
	"github.com/runbridge/runbridge/server"
)

func main() {
	app := &cli.App{
		Name:  "controld",
		Usage: "persistent control server hosting dynamically registered services",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "address",
				Usage:    `Address to listen on (e.g. "127.0.0.1").`,
				Required: true,
			},
			&cli.IntFlag{
				Name:     "port",
				Usage:    "Port to listen on. 0 requests an OS-assigned port.",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "expected-startup-output",
				Usage:    `Literal echoed on stdout once the listener is bound (e.g. "server has started").`,
				Required: true,
			},
			&cli.StringFlag{
				Name:     "test-endpoint",
				Usage:    `Path of the health endpoint (e.g. "/__test__").`,
				Required: true,
			},
			&cli.StringFlag{
				Name:     "expected-test-output",
				Usage:    `Literal served by the health endpoint (e.g. "ok").`,
				Required: true,
			},
			&cli.StringFlag{
				Name:     "add-service-endpoint",
				Usage:    `Path of the registration endpoint (e.g. "/__add_service__").`,
				Required: true,
			},
			&cli.StringFlag{
				Name:     "expected-add-service-output",
				Usage:    `Literal served on a successful registration (e.g. "added endpoint").`,
				Required: true,
			},
			&cli.DurationFlag{
				Name:  "handler-timeout",
				Usage: "Bound on a single handler program run.",
				Value: 30 * time.Second,
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging.",
			},
		},
		Action: func(ctx *cli.Context) error {
			var logger *zap.Logger
			var err error
			if ctx.Bool("debug") {
				logger, err = zap.NewDevelopment()
			} else {
				logger, err = zap.NewProduction()
			}
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}

			cfg := server.Config{
				Address:                  ctx.String("address"),
				Port:                     ctx.Int("port"),
				ExpectedStartupOutput:    ctx.String("expected-startup-output"),
				TestEndpoint:             ctx.String("test-endpoint"),
				ExpectedTestOutput:       ctx.String("expected-test-output"),
				AddServiceEndpoint:       ctx.String("add-service-endpoint"),
				ExpectedAddServiceOutput: ctx.String("expected-add-service-output"),
			}

			loader := &handler.ExecLoader{
				Log:     logger.Named("exec_loader").Sugar(),
				Timeout: ctx.Duration("handler-timeout"),
			}

			srv, err := server.New(cfg, server.WithLogger(logger), server.WithLoader(loader))
			if err != nil {
				return fmt.Errorf("building server: %w", err)
			}

			return srv.Run()
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
