package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mailsink/webhookd/internal/domain"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// RunMigrations executes all .up.sql migration files in order.
func (s *PostgresStore) RunMigrations(ctx context.Context, migrationsDir string) error {
	// Create migrations tracking table
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	// Find all up migration files
	var migrations []string
	err = filepath.WalkDir(migrationsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".up.sql") {
			migrations = append(migrations, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Strings(migrations)

	for _, path := range migrations {
		version := filepath.Base(path)

		// Check if already applied
		var exists bool
		err := s.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)",
			version,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if exists {
			continue
		}

		// Read and execute migration
		sql, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		_, err = s.pool.Exec(ctx, string(sql))
		if err != nil {
			return fmt.Errorf("executing migration %s: %w", version, err)
		}

		// Record migration
		_, err = s.pool.Exec(ctx,
			"INSERT INTO schema_migrations (version) VALUES ($1)",
			version,
		)
		if err != nil {
			return fmt.Errorf("recording migration %s: %w", version, err)
		}
	}

	return nil
}

const webhookColumns = `id, url, events, enabled, secret, previous_secret,
	previous_secret_expires_at, scope, template, filter,
	total_deliveries, successful_deliveries, failed_deliveries,
	consecutive_failures, last_delivery_at, last_outcome,
	created_at, updated_at`

func (s *PostgresStore) CreateWebhook(ctx context.Context, wh *domain.Webhook) error {
	if err := prepareNew(wh); err != nil {
		return err
	}
	templateRaw, filterRaw, err := encodeConfigs(wh.Template, wh.Filter)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO webhooks (id, url, events, enabled, secret, previous_secret,
			previous_secret_expires_at, scope, template, filter, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, wh.ID, wh.URL, wh.Events, wh.Enabled, wh.Secret, nullString(wh.PreviousSecret),
		wh.PreviousSecretExpiry, wh.Scope, templateRaw, filterRaw, wh.CreatedAt, wh.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting webhook: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWebhook(ctx context.Context, id string) (*domain.Webhook, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM webhooks WHERE id = $1", webhookColumns), id)

	wh, err := scanWebhook(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying webhook: %w", err)
	}
	return wh, nil
}

func (s *PostgresStore) ListWebhooks(ctx context.Context) ([]*domain.Webhook, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf("SELECT %s FROM webhooks ORDER BY created_at DESC, id", webhookColumns))
	if err != nil {
		return nil, fmt.Errorf("querying webhooks: %w", err)
	}
	defer rows.Close()

	return collectWebhooks(rows)
}

func (s *PostgresStore) GetWebhooksForEvent(ctx context.Context, eventType, scopeKey string) ([]*domain.Webhook, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM webhooks
		WHERE enabled = TRUE AND $1 = ANY(events) AND (scope = '' OR scope = $2)
		ORDER BY id
	`, webhookColumns), eventType, scopeKey)
	if err != nil {
		return nil, fmt.Errorf("querying webhooks for event: %w", err)
	}
	defer rows.Close()

	return collectWebhooks(rows)
}

func (s *PostgresStore) UpdateWebhook(ctx context.Context, id string, patch domain.WebhookPatch) (*domain.Webhook, error) {
	// Build dynamic update query
	setClauses := []string{}
	args := []any{}
	argIdx := 1
	add := func(col string, v any) {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", col, argIdx))
		args = append(args, v)
		argIdx++
	}

	if patch.URL != nil {
		add("url", *patch.URL)
	}
	if patch.Events != nil {
		add("events", *patch.Events)
	}
	if patch.Enabled != nil {
		add("enabled", *patch.Enabled)
	}
	if patch.Scope != nil {
		add("scope", *patch.Scope)
	}
	if patch.Template != nil {
		raw, err := json.Marshal(patch.Template)
		if err != nil {
			return nil, fmt.Errorf("marshaling template: %w", err)
		}
		add("template", raw)
	}
	if patch.Filter != nil {
		raw, err := json.Marshal(patch.Filter)
		if err != nil {
			return nil, fmt.Errorf("marshaling filter: %w", err)
		}
		add("filter", raw)
	}
	if patch.Secret != nil {
		add("secret", *patch.Secret)
	}
	if patch.PreviousSecret != nil {
		add("previous_secret", *patch.PreviousSecret)
	}
	if patch.PreviousSecretExpiry != nil {
		add("previous_secret_expires_at", *patch.PreviousSecretExpiry)
	}

	if len(setClauses) == 0 {
		return s.GetWebhook(ctx, id)
	}

	setClauses = append(setClauses, "updated_at = NOW()")

	query := fmt.Sprintf("UPDATE webhooks SET %s WHERE id = $%d RETURNING %s",
		strings.Join(setClauses, ", "), argIdx, webhookColumns)
	args = append(args, id)

	wh, err := scanWebhook(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("updating webhook: %w", err)
	}
	return wh, nil
}

func (s *PostgresStore) DeleteWebhook(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM webhooks WHERE id = $1", id)
	if err != nil {
		return false, fmt.Errorf("deleting webhook: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// IncrementStats is a single UPDATE so concurrent deliveries can never
// split a total/successful/failed mutation.
func (s *PostgresStore) IncrementStats(ctx context.Context, id string, success bool) (*domain.DeliveryStats, error) {
	var stats domain.DeliveryStats
	var lastOutcome *string

	err := s.pool.QueryRow(ctx, `
		UPDATE webhooks SET
			total_deliveries = total_deliveries + 1,
			successful_deliveries = successful_deliveries + CASE WHEN $2 THEN 1 ELSE 0 END,
			failed_deliveries = failed_deliveries + CASE WHEN $2 THEN 0 ELSE 1 END,
			consecutive_failures = CASE WHEN $2 THEN 0 ELSE consecutive_failures + 1 END,
			last_delivery_at = NOW(),
			last_outcome = CASE WHEN $2 THEN 'success' ELSE 'failure' END,
			updated_at = NOW()
		WHERE id = $1
		RETURNING total_deliveries, successful_deliveries, failed_deliveries,
			consecutive_failures, last_delivery_at, last_outcome
	`, id, success).Scan(
		&stats.Total, &stats.Successful, &stats.Failed,
		&stats.ConsecutiveFailures, &stats.LastDeliveryAt, &lastOutcome,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("incrementing stats: %w", err)
	}
	if lastOutcome != nil {
		stats.LastOutcome = *lastOutcome
	}
	return &stats, nil
}

func scanWebhook(row pgx.Row) (*domain.Webhook, error) {
	var wh domain.Webhook
	var prevSecret, lastOutcome *string
	var templateRaw, filterRaw []byte

	err := row.Scan(
		&wh.ID, &wh.URL, &wh.Events, &wh.Enabled, &wh.Secret,
		&prevSecret, &wh.PreviousSecretExpiry, &wh.Scope,
		&templateRaw, &filterRaw,
		&wh.Stats.Total, &wh.Stats.Successful, &wh.Stats.Failed,
		&wh.Stats.ConsecutiveFailures, &wh.Stats.LastDeliveryAt, &lastOutcome,
		&wh.CreatedAt, &wh.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if prevSecret != nil {
		wh.PreviousSecret = *prevSecret
	}
	if lastOutcome != nil {
		wh.Stats.LastOutcome = *lastOutcome
	}
	if len(templateRaw) > 0 {
		wh.Template = &domain.TemplateConfig{}
		if err := json.Unmarshal(templateRaw, wh.Template); err != nil {
			return nil, fmt.Errorf("unmarshaling template: %w", err)
		}
	}
	if len(filterRaw) > 0 {
		wh.Filter = &domain.FilterConfig{}
		if err := json.Unmarshal(filterRaw, wh.Filter); err != nil {
			return nil, fmt.Errorf("unmarshaling filter: %w", err)
		}
	}
	return &wh, nil
}

func collectWebhooks(rows pgx.Rows) ([]*domain.Webhook, error) {
	webhooks := []*domain.Webhook{}
	for rows.Next() {
		wh, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning webhook: %w", err)
		}
		webhooks = append(webhooks, wh)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating webhooks: %w", err)
	}
	return webhooks, nil
}

func encodeConfigs(t *domain.TemplateConfig, f *domain.FilterConfig) ([]byte, []byte, error) {
	var templateRaw, filterRaw []byte
	var err error
	if t != nil {
		if templateRaw, err = json.Marshal(t); err != nil {
			return nil, nil, fmt.Errorf("marshaling template: %w", err)
		}
	}
	if f != nil {
		if filterRaw, err = json.Marshal(f); err != nil {
			return nil, nil, fmt.Errorf("marshaling filter: %w", err)
		}
	}
	return templateRaw, filterRaw, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
