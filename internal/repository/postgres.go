package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telhawk-systems/filegate/internal/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const queryTimeout = 5 * time.Second

type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(ctx context.Context, connString string) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresRepository{pool: pool}, nil
}

// RunMigrations applies the embedded migrations and returns the resulting
// schema version.
func RunMigrations(connString string) (uint, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return 0, fmt.Errorf("failed to open migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, connString)
	if err != nil {
		return 0, fmt.Errorf("failed to initialize migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("failed to run migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		return 0, fmt.Errorf("failed to read migration version: %w", err)
	}
	if dirty {
		return version, fmt.Errorf("database schema version %d is dirty", version)
	}
	return version, nil
}

func (r *PostgresRepository) Close() {
	r.pool.Close()
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *PostgresRepository) Accept(ctx context.Context, file *models.AcceptedFile) (string, error) {
	if err := validate(file); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	id := uuid.NewString()
	query := `
		INSERT INTO uploaded_files (id, path, original_name, filename, size, mime_type,
		                            sha256, scan_status, scan_detail, tenant, uploaded_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := r.pool.Exec(ctx, query,
		id, file.Path, file.OriginalName, file.Filename, file.Size, file.MIMEType,
		file.SHA256, string(file.ScanStatus), file.ScanDetail, file.Tenant, file.UploadedBy,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert file record: %w", err)
	}
	return id, nil
}

const selectColumns = `
	SELECT id, path, original_name, filename, size, mime_type, sha256,
	       scan_status, scan_detail, tenant, uploaded_by, created_at
	FROM uploaded_files
`

func scanRecord(row pgx.Row) (*models.FileRecord, error) {
	var rec models.FileRecord
	var status string
	err := row.Scan(
		&rec.ID, &rec.Path, &rec.OriginalName, &rec.Filename, &rec.Size, &rec.MIMEType, &rec.SHA256,
		&status, &rec.ScanDetail, &rec.Tenant, &rec.UploadedBy, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.ScanStatus = models.ScanStatus(status)
	return &rec, nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.FileRecord, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrFileNotFound
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rec, err := scanRecord(r.pool.QueryRow(ctx, selectColumns+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to get file record: %w", err)
	}
	return rec, nil
}

func (r *PostgresRepository) TenantUsage(ctx context.Context, tenant string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var total int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(size), 0)::BIGINT FROM uploaded_files WHERE tenant = $1`, tenant,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum tenant usage: %w", err)
	}
	return total, nil
}

func (r *PostgresRepository) ListByTenant(ctx context.Context, tenant string, limit int) ([]*models.FileRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := selectColumns + ` WHERE tenant = $1 ORDER BY created_at DESC`
	args := []any{tenant}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list file records: %w", err)
	}
	defer rows.Close()

	var out []*models.FileRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
