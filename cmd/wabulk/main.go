package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"wabulk/internal/app"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	configFlag := &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "path to config (json or yaml)",
		Value:   "./config.json",
		Sources: cli.EnvVars("WABULK_CONFIG"),
	}
	envFlag := &cli.StringFlag{
		Name:  "env",
		Usage: "dotenv file with secrets",
		Value: ".env",
	}

	cmd := &cli.Command{
		Name:    "wabulk",
		Usage:   "bulk campaigns, verification sweeps and contact merges for a WhatsApp agent console",
		Version: version,
		Flags:   []cli.Flag{envFlag},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			return ctx, app.LoadEnv(cmd.String("env"))
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP API, job runners and scheduler",
				Flags:  []cli.Flag{configFlag},
				Action: serve,
			},
			{
				Name:   "merge-duplicates",
				Usage:  "merge contacts sharing a normalized phone, then exit",
				Flags:  []cli.Flag{configFlag},
				Action: mergeDuplicates,
			},
			{
				Name:  "version",
				Usage: "print the version",
				Action: func(_ context.Context, _ *cli.Command) error {
					fmt.Println(version)
					return nil
				},
			},
		},
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, cmd *cli.Command) error {
	a, err := app.New(cmd.String("config"))
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	_ = a.Stop(stopCtx, reason)
	return a.Err()
}

func mergeDuplicates(ctx context.Context, cmd *cli.Command) error {
	res, err := app.MergeOnce(ctx, cmd.String("config"))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
