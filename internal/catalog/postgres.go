package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yituo-max/runtuimgbed4.0/internal/models"
)

// PostgresConfig describes how the driver initialises its connection pool.
type PostgresConfig struct {
	DSN             string
	MaxConnections  int32
	MinConnections  int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	ConnectTimeout  time.Duration
	ApplicationName string
}

// PostgresCatalog stores the catalog in Postgres. Recency ordering comes
// from a bigserial position column so it reflects insert completion order
// rather than the display timestamp.
type PostgresCatalog struct {
	pool *pgxpool.Pool
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS imgbed_images (
		position BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		filename TEXT NOT NULL,
		url TEXT NOT NULL,
		size BIGINT NOT NULL,
		file_id TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL,
		upload_time TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS imgbed_images_category_idx ON imgbed_images (category)`,
	`CREATE TABLE IF NOT EXISTS imgbed_categories (
		name TEXT PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS imgbed_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}

const metaKeyLastInitDate = "last_init_date"

// NewPostgresCatalog opens the pool and ensures the schema and bootstrap
// rows exist.
func NewPostgresCatalog(ctx context.Context, cfg PostgresConfig) (*PostgresCatalog, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	c := &PostgresCatalog{pool: pool}
	if err := c.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return c, nil
}

func (c *PostgresCatalog) ensureSchema(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := c.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure catalog schema: %w", err)
		}
	}
	if _, err := c.pool.Exec(ctx,
		`INSERT INTO imgbed_categories (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`,
		DefaultCategory,
	); err != nil {
		return fmt.Errorf("seed default category: %w", err)
	}
	if _, err := c.pool.Exec(ctx,
		`INSERT INTO imgbed_meta (key, value) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`,
		metaKeyLastInitDate, time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("seed init date: %w", err)
	}
	return nil
}

const imageColumns = "id, filename, url, size, file_id, category, upload_time"

func scanImage(row pgx.Row) (models.ImageRecord, error) {
	var record models.ImageRecord
	err := row.Scan(
		&record.ID,
		&record.Filename,
		&record.URL,
		&record.Size,
		&record.FileID,
		&record.Category,
		&record.UploadTime,
	)
	return record, err
}

// Insert implements Catalog.
func (c *PostgresCatalog) Insert(ctx context.Context, params CreateImageParams) (models.ImageRecord, error) {
	record := models.ImageRecord{
		ID:         newImageID(),
		Filename:   params.Filename,
		URL:        params.URL,
		Size:       params.Size,
		FileID:     params.FileID,
		Category:   normalizeCategory(params.Category),
		UploadTime: time.Now().UTC(),
	}

	tx, err := c.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.ImageRecord{}, fmt.Errorf("begin insert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO imgbed_images (id, filename, url, size, file_id, category, upload_time)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		record.ID, record.Filename, record.URL, record.Size, record.FileID, record.Category, record.UploadTime,
	); err != nil {
		return models.ImageRecord{}, fmt.Errorf("insert image: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO imgbed_categories (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`,
		record.Category,
	); err != nil {
		return models.ImageRecord{}, fmt.Errorf("register category: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.ImageRecord{}, fmt.Errorf("commit insert: %w", err)
	}
	return record, nil
}

// Get implements Catalog.
func (c *PostgresCatalog) Get(ctx context.Context, id string) (models.ImageRecord, error) {
	record, err := scanImage(c.pool.QueryRow(ctx,
		`SELECT `+imageColumns+` FROM imgbed_images WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ImageRecord{}, ErrImageNotFound
	}
	if err != nil {
		return models.ImageRecord{}, fmt.Errorf("fetch image %s: %w", id, err)
	}
	return record, nil
}

// Update implements Catalog.
func (c *PostgresCatalog) Update(ctx context.Context, id string, update ImageUpdate) (models.ImageRecord, error) {
	if err := validateUpdate(update); err != nil {
		return models.ImageRecord{}, err
	}
	var category *string
	if update.Category != nil {
		normalized := normalizeCategory(*update.Category)
		category = &normalized
	}

	tx, err := c.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.ImageRecord{}, fmt.Errorf("begin update: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	record, err := scanImage(tx.QueryRow(ctx,
		`UPDATE imgbed_images
		 SET filename = COALESCE($2, filename), category = COALESCE($3, category)
		 WHERE id = $1
		 RETURNING `+imageColumns,
		id, update.Filename, category))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ImageRecord{}, ErrImageNotFound
	}
	if err != nil {
		return models.ImageRecord{}, fmt.Errorf("update image %s: %w", id, err)
	}
	if category != nil {
		if _, err := tx.Exec(ctx,
			`INSERT INTO imgbed_categories (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`,
			*category,
		); err != nil {
			return models.ImageRecord{}, fmt.Errorf("register category: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return models.ImageRecord{}, fmt.Errorf("commit update: %w", err)
	}
	return record, nil
}

// Delete implements Catalog.
func (c *PostgresCatalog) Delete(ctx context.Context, id string) (models.ImageRecord, error) {
	record, err := scanImage(c.pool.QueryRow(ctx,
		`DELETE FROM imgbed_images WHERE id = $1 RETURNING `+imageColumns, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ImageRecord{}, ErrImageNotFound
	}
	if err != nil {
		return models.ImageRecord{}, fmt.Errorf("delete image %s: %w", id, err)
	}
	return record, nil
}

// List implements Catalog. Filtering, counting, and paging run in SQL with
// the same observable semantics as the in-process paginate path.
func (c *PostgresCatalog) List(ctx context.Context, page, limit int, category string) (ListResult, error) {
	if err := ValidatePageLimit(page, limit); err != nil {
		return ListResult{}, err
	}

	where := ""
	args := []any{}
	if !filterUnfiltered(category) {
		where = " WHERE category = $1"
		args = append(args, category)
	}

	var total int
	if err := c.pool.QueryRow(ctx, `SELECT count(*) FROM imgbed_images`+where, args...).Scan(&total); err != nil {
		return ListResult{}, fmt.Errorf("count images: %w", err)
	}

	pagination := Pagination{
		Page:       page,
		Limit:      limit,
		Total:      total,
		TotalPages: totalPages(total, limit),
	}
	// Pages past the end are empty, not an error, and skipping the query
	// keeps (page-1)*limit from overflowing into a negative OFFSET.
	if page > pagination.TotalPages {
		return ListResult{Images: []models.ImageRecord{}, Pagination: pagination}, nil
	}

	offset := (page - 1) * limit
	query := fmt.Sprintf(
		`SELECT `+imageColumns+` FROM imgbed_images%s ORDER BY position DESC LIMIT $%d OFFSET $%d`,
		where, len(args)+1, len(args)+2)
	rows, err := c.pool.Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return ListResult{}, fmt.Errorf("list images: %w", err)
	}
	defer rows.Close()

	images := make([]models.ImageRecord, 0, limit)
	for rows.Next() {
		record, err := scanImage(rows)
		if err != nil {
			return ListResult{}, fmt.Errorf("scan image: %w", err)
		}
		images = append(images, record)
	}
	if err := rows.Err(); err != nil {
		return ListResult{}, fmt.Errorf("list images: %w", err)
	}

	return ListResult{Images: images, Pagination: pagination}, nil
}

// Categories implements Catalog.
func (c *PostgresCatalog) Categories(ctx context.Context) ([]string, error) {
	rows, err := c.pool.Query(ctx, `SELECT name FROM imgbed_categories ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("fetch categories: %w", err)
	}
	defer rows.Close()

	categories := make([]string, 0, 8)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		categories = append(categories, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch categories: %w", err)
	}
	return categories, nil
}

// Stats implements Catalog.
func (c *PostgresCatalog) Stats(ctx context.Context) (models.Stats, error) {
	stats := models.Stats{}
	if err := c.pool.QueryRow(ctx, `SELECT count(*) FROM imgbed_images`).Scan(&stats.TotalImages); err != nil {
		return models.Stats{}, fmt.Errorf("count images: %w", err)
	}
	if err := c.pool.QueryRow(ctx, `SELECT count(*) FROM imgbed_categories`).Scan(&stats.TotalCategories); err != nil {
		return models.Stats{}, fmt.Errorf("count categories: %w", err)
	}
	var raw string
	err := c.pool.QueryRow(ctx,
		`SELECT value FROM imgbed_meta WHERE key = $1`, metaKeyLastInitDate).Scan(&raw)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return models.Stats{}, fmt.Errorf("fetch init date: %w", err)
	}
	if err == nil {
		if value, parseErr := time.Parse(time.RFC3339, raw); parseErr == nil {
			stats.LastInitDate = value
		}
	}
	return stats, nil
}

// Ping implements Catalog.
func (c *PostgresCatalog) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

// Close implements Catalog.
func (c *PostgresCatalog) Close() error {
	c.pool.Close()
	return nil
}
