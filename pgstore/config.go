package pgstore

import (
	"github.com/caarlos0/env/v11"
	"github.com/domonda/go-errs"
	"github.com/domonda/go-sqldb"
	rootlog "github.com/domonda/golog/log"

	"github.com/domonda/go-pollqueue"
)

var log = rootlog.NewPackageLogger()

// EnvConfig holds the connection parameters read by ConfigFromEnv.
type EnvConfig struct {
	Host     string `env:"POSTGRES_HOST"     envDefault:"localhost"`
	Port     uint16 `env:"POSTGRES_PORT"     envDefault:"5432"`
	User     string `env:"POSTGRES_USER"     envDefault:"postgres"`
	Password string `env:"POSTGRES_PASSWORD"`
	Database string `env:"POSTGRES_DB,required"`
	SSLMode  string `env:"POSTGRES_SSLMODE"  envDefault:"disable"`
}

// ConfigFromEnv returns a sqldb.Config for the PostgreSQL database
// described by the POSTGRES_* environment variables.
// POSTGRES_DB is required.
func ConfigFromEnv() (config *sqldb.Config, err error) {
	var e EnvConfig
	err = env.Parse(&e)
	if err != nil {
		return nil, errs.Errorf("%w: %w", pollqueue.ErrConfiguration, err)
	}
	return e.SQLConfig(), nil
}

func (e *EnvConfig) SQLConfig() *sqldb.Config {
	return &sqldb.Config{
		Driver:   "postgres",
		Host:     e.Host,
		Port:     e.Port,
		User:     e.User,
		Password: e.Password,
		Database: e.Database,
		Extra:    map[string]string{"sslmode": e.SSLMode},
	}
}
