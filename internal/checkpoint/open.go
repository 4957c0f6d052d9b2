package checkpoint

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/npsd/internal/config"
)

// Open creates the Storage selected by cfg.Backend.
func Open(ctx context.Context, cfg config.CheckpointConfig) (Storage, error) {
	switch cfg.Backend {
	case "", config.BackendMemory:
		return NewMemoryStorage(), nil
	case config.BackendSQLite:
		return OpenSQLite(ctx, cfg.SQLite.Path)
	case config.BackendPostgres:
		return OpenPostgres(ctx, cfg.Postgres.DSN.Value(), cfg.Postgres.MaxOpenConns)
	case config.BackendNATS:
		return OpenNATS(ctx, cfg.NATS.URL, cfg.NATS.Bucket)
	case config.BackendMinIO:
		return OpenMinIO(ctx, MinIOConfig{
			Endpoint:  cfg.MinIO.Endpoint,
			Bucket:    cfg.MinIO.Bucket,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey.Value(),
			UseSSL:    cfg.MinIO.UseSSL,
		})
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Backend)
	}
}
