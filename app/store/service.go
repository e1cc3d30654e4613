package store

import (
	"context"
	"log/slog"

	"referralchat/app/config"

	"github.com/samber/do"
	"github.com/samber/oops"
)

// New opens the configured backend and applies the embedded schema.
func New(di *do.Injector) (Store, error) {
	ctx := do.MustInvoke[context.Context](di)
	cfg := do.MustInvoke[*config.Config](di)

	var (
		s   Store
		err error
	)

	switch cfg.DB.Driver {
	case "sqlite":
		s, err = NewSQLite(cfg.DB.Path)
	case "postgres":
		s, err = NewPostgres(ctx, cfg.DB.DSN)
	default:
		return nil, oops.In("store").Errorf("unknown db driver %q", cfg.DB.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err = s.Migrate(ctx); err != nil {
		_ = s.Shutdown()
		return nil, err
	}

	slog.Info("Store ready", "driver", cfg.DB.Driver)

	return s, nil
}
