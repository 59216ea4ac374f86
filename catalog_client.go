package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/justtrackio/gosoline/pkg/appctx"
	"github.com/justtrackio/gosoline/pkg/cfg"
	"github.com/justtrackio/gosoline/pkg/exec"
	"github.com/justtrackio/gosoline/pkg/log"
	"github.com/spf13/cast"
	_ "github.com/trinodb/trino-go-client/trino"
	"golang.org/x/sync/errgroup"
)

type CatalogSettings struct {
	DSN             string `cfg:"dsn"`
	DefaultDatabase string `cfg:"default_database" default:"main"`
}

type catalogCtxKey struct{}

func ProvideCatalogClient(ctx context.Context, config cfg.Config, logger log.Logger) (*CatalogClient, error) {
	return appctx.Provide(ctx, catalogCtxKey{}, func() (*CatalogClient, error) {
		var err error
		var db *sqlx.DB
		var backoffSettings exec.BackoffSettings

		settings := &CatalogSettings{}
		if err = config.UnmarshalKey("catalog", settings); err != nil {
			return nil, fmt.Errorf("could not unmarshal catalog settings: %w", err)
		}

		if db, err = sqlx.Open("trino", settings.DSN); err != nil {
			return nil, fmt.Errorf("could not connect to catalog: %w", err)
		}

		if backoffSettings, err = exec.ReadBackoffSettings(config); err != nil {
			return nil, fmt.Errorf("could not read backoff settings: %w", err)
		}

		checks := []exec.ErrorChecker{
			exec.CheckConnectionError,
			func(_ any, err error) exec.ErrorType {
				if strings.Contains(err.Error(), "query failed") {
					return exec.ErrorTypeRetryable
				}

				return exec.ErrorTypePermanent
			},
		}
		executor := exec.NewExecutor(logger, &exec.ExecutableResource{Type: "catalog", Name: "trino"}, &backoffSettings, checks)

		return NewCatalogClientWithInterfaces(logger, db, executor, settings), nil
	})
}

func NewCatalogClientWithInterfaces(logger log.Logger, db *sqlx.DB, executor exec.Executor, settings *CatalogSettings) *CatalogClient {
	return &CatalogClient{
		logger:   logger.WithChannel("catalog"),
		db:       db,
		exec:     executor,
		settings: settings,
	}
}

type CatalogClient struct {
	logger   log.Logger
	db       *sqlx.DB
	exec     exec.Executor
	settings *CatalogSettings
}

// GetTable fetches the snapshot the eligibility check works on: the
// transactional flag from the table properties plus the partition key columns.
// Both reads go out concurrently.
func (c *CatalogClient) GetTable(ctx context.Context, database string, table string) (*TargetTable, error) {
	var properties map[string]string
	var partitionKeys []string

	grp, grpCtx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		var err error
		if properties, err = c.tableProperties(grpCtx, database, table); err != nil {
			return fmt.Errorf("could not read properties of table %s.%s: %w", database, table, err)
		}

		return nil
	})

	grp.Go(func() error {
		var err error
		if partitionKeys, err = c.partitionKeys(grpCtx, database, table); err != nil {
			return fmt.Errorf("could not read partition keys of table %s.%s: %w", database, table, err)
		}

		return nil
	})

	if err := grp.Wait(); err != nil {
		return nil, err
	}

	return &TargetTable{
		Database:      database,
		Name:          table,
		Transactional: properties["transactional"] == "true",
		PartitionKeys: partitionKeys,
	}, nil
}

// ListPartitions resolves a partition spec against the table's $partitions
// metadata and renders the matches as canonical "k1=v1/k2=v2" names. Partition
// values are compared as strings, the spec columns have been checked against
// the partition keys by the caller.
func (c *CatalogClient) ListPartitions(ctx context.Context, target *TargetTable, spec map[string]string) ([]string, error) {
	columns := make([]string, len(target.PartitionKeys))
	for i, key := range target.PartitionKeys {
		columns[i] = quoteIdent(key)
	}

	query := fmt.Sprintf("SELECT %s FROM %s.%s", strings.Join(columns, ", "), quoteIdent(target.Database), quoteIdent(target.Name+"$partitions"))

	conditions := make([]string, 0, len(spec))
	args := make([]any, 0, len(spec))

	for _, key := range target.PartitionKeys {
		if value, ok := spec[key]; ok {
			conditions = append(conditions, fmt.Sprintf("CAST(%s AS varchar) = ?", quoteIdent(key)))
			args = append(args, value)
		}
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	rows, err := c.queryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("could not list partitions of table %s: %w", target.Identity(), err)
	}
	defer rows.Close()

	names := make([]string, 0)

	for rows.Next() {
		values, err := rows.SliceScan()
		if err != nil {
			return nil, fmt.Errorf("could not scan partition row: %w", err)
		}

		parts := make([]string, len(values))
		for i, value := range values {
			str, err := cast.ToStringE(value)
			if err != nil {
				return nil, fmt.Errorf("could not cast partition value of column %s: %w", target.PartitionKeys[i], err)
			}

			parts[i] = target.PartitionKeys[i] + "=" + str
		}

		names = append(names, strings.Join(parts, "/"))
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("could not iterate partition rows: %w", err)
	}

	return names, nil
}

func (c *CatalogClient) tableProperties(ctx context.Context, database string, table string) (map[string]string, error) {
	var rows []struct {
		Key   string `db:"key"`
		Value string `db:"value"`
	}

	query := fmt.Sprintf("SELECT key, value FROM %s.%s", quoteIdent(database), quoteIdent(table+"$properties"))

	if err := c.selectContext(ctx, &rows, query); err != nil {
		return nil, err
	}

	properties := make(map[string]string, len(rows))
	for _, row := range rows {
		properties[row.Key] = row.Value
	}

	return properties, nil
}

func (c *CatalogClient) partitionKeys(ctx context.Context, database string, table string) ([]string, error) {
	keys := make([]string, 0)

	query := "SELECT column_name FROM information_schema.columns WHERE table_schema = ? AND table_name = ? AND extra_info = 'partition key' ORDER BY ordinal_position"

	if err := c.selectContext(ctx, &keys, query, database, table); err != nil {
		return nil, err
	}

	return keys, nil
}

func (c *CatalogClient) selectContext(ctx context.Context, dest any, query string, args ...any) error {
	_, err := c.exec.Execute(ctx, func(ctx context.Context) (any, error) {
		return nil, c.db.SelectContext(ctx, dest, query, args...)
	})

	return err
}

func (c *CatalogClient) queryContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error) {
	res, err := c.exec.Execute(ctx, func(ctx context.Context) (any, error) {
		return c.db.QueryxContext(ctx, query, args...)
	})
	if err != nil {
		return nil, err
	}

	return res.(*sqlx.Rows), nil
}

func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
