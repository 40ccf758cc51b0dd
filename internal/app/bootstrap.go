package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"

	"wabulk/internal/config"
	"wabulk/internal/dedup"
	"wabulk/internal/jobs"
	"wabulk/internal/storage"
	logx "wabulk/pkg/logx"
)

// LoadEnv reads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is
// fine; secrets may come from the real environment alone.
func LoadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// MergeOnce runs a single duplicate merge against the configured store and
// exits; no listener, runner or scheduler is started.
func MergeOnce(ctx context.Context, cfgPath string) (dedup.Result, error) {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return dedup.Result{}, err
	}
	logSvc, root := logx.New(mapLogging(cfg))
	defer logSvc.Close()

	store, err := storage.Open(mapStorage(cfg), root.With(logx.String("comp", "storage")))
	if err != nil {
		return dedup.Result{}, fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	ledger := jobs.New(store, nil, root)
	return dedup.New(store, ledger, root).Run(ctx)
}
