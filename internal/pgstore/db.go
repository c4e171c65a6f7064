// Package pgstore owns pooled PostgreSQL connections and reflected table
// descriptors shared by every provider in the process.
package pgstore

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mohammed-shakir/pgfeatures/internal/core/providererr"
)

const (
	DefaultPort   = 5432
	DefaultSchema = "public"
	appName       = "pgfeatures"
)

// Querier is the read surface used by reflection.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB is a pooled database handle; *pgxpool.Pool satisfies it.
type DB interface {
	Querier
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// ConnParams is the "data" block of a collection definition.
type ConnParams struct {
	User       string   `mapstructure:"user"`
	Host       string   `mapstructure:"host"`
	Port       int      `mapstructure:"port"`
	DBName     string   `mapstructure:"dbname"`
	SearchPath []string `mapstructure:"search_path"`
	Password   string   `mapstructure:"password"`
}

// WithDefaults fills port and search path.
func (p ConnParams) WithDefaults() ConnParams {
	if p.Port == 0 {
		p.Port = DefaultPort
	}
	if len(p.SearchPath) == 0 {
		p.SearchPath = []string{DefaultSchema}
	}
	return p
}

// Schema is the first search path entry.
func (p ConnParams) Schema() string {
	if len(p.SearchPath) == 0 || p.SearchPath[0] == "" {
		return DefaultSchema
	}
	return p.SearchPath[0]
}

func (p ConnParams) Target() Target {
	p = p.WithDefaults()
	return Target{User: p.User, Host: p.Host, Port: p.Port, Database: p.DBName}
}

// Target identifies one logical database. The password is not part of it.
type Target struct {
	User     string
	Host     string
	Port     int
	Database string
}

func (t Target) String() string {
	return fmt.Sprintf("%s@%s/%s", t.User, net.JoinHostPort(t.Host, strconv.Itoa(t.Port)), t.Database)
}

// ConnString renders a postgres URL; the password is only included when set.
func (t Target) ConnString(password string) string {
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(t.Host, strconv.Itoa(t.Port)),
		Path:   "/" + t.Database,
	}
	switch {
	case t.User != "" && password != "":
		u.User = url.UserPassword(t.User, password)
	case t.User != "":
		u.User = url.User(t.User)
	}
	q := url.Values{}
	q.Set("application_name", appName)
	q.Set("client_encoding", "UTF8")
	u.RawQuery = q.Encode()
	return u.String()
}

// Open builds a pgx pool and checks it is reachable before handing it out.
func Open(ctx context.Context, t Target, password string) (DB, error) {
	cfg, err := pgxpool.ParseConfig(t.ConnString(password))
	if err != nil {
		return nil, providererr.Wrap(providererr.ErrConnection, "parse pool config", err)
	}
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, providererr.Wrap(providererr.ErrConnection, "create pool "+t.String(), err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, providererr.Wrap(providererr.ErrConnection, "ping "+t.String()+" (password hidden)", err)
	}
	return pool, nil
}
