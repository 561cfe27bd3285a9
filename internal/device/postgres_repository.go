package device

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the registrations table. Every statement is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS push_device_registrations (
	id          TEXT PRIMARY KEY,
	client_id   TEXT NOT NULL DEFAULT '',
	platform    TEXT NOT NULL,
	form_factor TEXT NOT NULL,
	metadata    JSONB NOT NULL DEFAULT '{}',
	recipient   JSONB NOT NULL DEFAULT '{}',
	push_state  TEXT NOT NULL DEFAULT 'ACTIVE',
	secret_hash TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS push_device_registrations_client_id_idx
	ON push_device_registrations (client_id);
`

const registrationColumns = `id, client_id, platform, form_factor, metadata, recipient, push_state, secret_hash, created_at, updated_at`

// PostgresRepository is a PostgreSQL implementation of Repository.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL registration repository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// Get retrieves a registration by device ID.
func (r *PostgresRepository) Get(ctx context.Context, deviceID string) (*Registration, error) {
	query := `SELECT ` + registrationColumns + ` FROM push_device_registrations WHERE id = $1`

	reg, err := scanRegistration(r.pool.QueryRow(ctx, query, deviceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}
	return reg, nil
}

// List retrieves registrations ordered by device ID.
func (r *PostgresRepository) List(ctx context.Context, opts ListOptions) (*ListResult, error) {
	limit := EffectiveLimit(opts.Limit)
	fetchLimit := limit + 1

	query := `
		SELECT ` + registrationColumns + `
		FROM push_device_registrations
		WHERE ($1 = '' OR client_id = $1)
		  AND ($2 = '' OR id = $2)
		  AND id > $3
		ORDER BY id
		LIMIT $4
	`

	rows, err := r.pool.Query(ctx, query, opts.Filter.ClientID, opts.Filter.DeviceID, opts.Cursor, fetchLimit)
	if err != nil {
		return nil, err
	}
	items, err := collectRegistrations(rows)
	if err != nil {
		return nil, err
	}

	result := &ListResult{Items: items}
	if len(items) > limit {
		result.Items = items[:limit]
		result.NextCursor = items[limit-1].ID
	}
	return result, nil
}

// Upsert creates or replaces a registration, keeping the original creation time.
func (r *PostgresRepository) Upsert(ctx context.Context, reg *Registration) (bool, error) {
	query := `
		INSERT INTO push_device_registrations (` + registrationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			client_id = EXCLUDED.client_id,
			platform = EXCLUDED.platform,
			form_factor = EXCLUDED.form_factor,
			metadata = EXCLUDED.metadata,
			recipient = EXCLUDED.recipient,
			push_state = EXCLUDED.push_state,
			secret_hash = EXCLUDED.secret_hash,
			updated_at = EXCLUDED.updated_at
		RETURNING (xmax = 0) AS inserted
	`

	var inserted bool
	err := r.pool.QueryRow(ctx, query,
		reg.ID,
		reg.ClientID,
		reg.Platform,
		reg.FormFactor,
		jsonMap(reg.Metadata),
		jsonMap(reg.Recipient),
		reg.PushState,
		reg.SecretHash,
		reg.CreatedAt,
		reg.UpdatedAt,
	).Scan(&inserted)
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// Delete deletes a registration.
func (r *PostgresRepository) Delete(ctx context.Context, deviceID string) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM push_device_registrations WHERE id = $1`, deviceID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// DeleteWhere deletes every registration matching the filter.
func (r *PostgresRepository) DeleteWhere(ctx context.Context, filter Filter) ([]*Registration, error) {
	query := `
		DELETE FROM push_device_registrations
		WHERE ($1 = '' OR client_id = $1)
		  AND ($2 = '' OR id = $2)
		RETURNING ` + registrationColumns

	rows, err := r.pool.Query(ctx, query, filter.ClientID, filter.DeviceID)
	if err != nil {
		return nil, err
	}
	return collectRegistrations(rows)
}

func collectRegistrations(rows pgx.Rows) ([]*Registration, error) {
	defer rows.Close()

	var items []*Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, reg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func scanRegistration(row pgx.Row) (*Registration, error) {
	var reg Registration
	err := row.Scan(
		&reg.ID,
		&reg.ClientID,
		&reg.Platform,
		&reg.FormFactor,
		&reg.Metadata,
		&reg.Recipient,
		&reg.PushState,
		&reg.SecretHash,
		&reg.CreatedAt,
		&reg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &reg, nil
}

// jsonMap keeps NOT NULL jsonb columns from receiving SQL NULL.
func jsonMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// Ensure PostgresRepository implements Repository interface.
var _ Repository = (*PostgresRepository)(nil)
