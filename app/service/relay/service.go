package relay

import (
	"referralchat/app/config"
	"referralchat/app/store"

	"github.com/samber/do"
	"github.com/samber/oops"
)

func New(di *do.Injector) (Relay, error) {
	cfg := do.MustInvoke[*config.Config](di)

	switch cfg.Relay.Driver {
	case "local":
		return NewHub(cfg.Relay.Buffer), nil
	case "postgres":
		pg, ok := do.MustInvoke[store.Store](di).(*store.Postgres)
		if !ok {
			return nil, oops.In("relay").Errorf("postgres relay requires the postgres store")
		}

		return NewPostgres(pg.Pool(), cfg.DB.DSN, cfg.Relay.Buffer), nil
	default:
		return nil, oops.In("relay").Errorf("unknown relay driver %q", cfg.Relay.Driver)
	}
}
