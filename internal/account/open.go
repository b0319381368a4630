package account

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nerrad567/iot-gateway/internal/infrastructure/config"
)

// Open returns the store selected by cfg.Driver. local is the gateway's own
// database and backs the "sqlite" driver. The returned close func releases
// any pool the store opened.
func Open(ctx context.Context, cfg config.AccountsConfig, local *sql.DB) (Store, func(), error) {
	switch cfg.Driver {
	case "", "sqlite":
		return NewSQLiteStore(local), func() {}, nil
	case "postgres":
		pg, err := ConnectPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	default:
		return nil, nil, fmt.Errorf("account: unknown driver %q", cfg.Driver)
	}
}
