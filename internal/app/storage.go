package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/FranksOps/rotor/internal/config"
	"github.com/FranksOps/rotor/internal/dispatch"
	"github.com/FranksOps/rotor/internal/storage"
	"github.com/FranksOps/rotor/internal/storage/csvbackend"
	"github.com/FranksOps/rotor/internal/storage/jsonbackend"
	"github.com/FranksOps/rotor/internal/storage/postgres"
	"github.com/FranksOps/rotor/internal/storage/sqlite"
)

// OpenBackend opens the configured result store. The "none" backend
// returns a nil Backend and no error.
func OpenBackend(ctx context.Context, cfg config.StorageConfig) (storage.Backend, error) {
	var (
		b   storage.Backend
		err error
	)
	switch cfg.Backend {
	case "none":
		return nil, nil
	case "json":
		b, err = jsonbackend.New(cfg.DSN)
	case "csv":
		b, err = csvbackend.New(cfg.DSN)
	case "sqlite":
		b, err = sqlite.New(cfg.DSN)
	case "postgres":
		b, err = postgres.New(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s backend: %w", cfg.Backend, err)
	}
	return b, nil
}

// teeSink saves each result to every sink in order.
type teeSink []dispatch.Sink

func (t teeSink) Save(ctx context.Context, r *storage.ScrapeResult) error {
	var errs []error
	for _, s := range t {
		if err := s.Save(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
