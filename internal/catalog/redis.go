package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/yituo-max/runtuimgbed4.0/internal/models"
)

// Key schema. Records are JSON blobs keyed by id; the list keeps the
// recency order; categories are a set; stats counters live in a hash.
const (
	keyInitialized = "imgbed:initialized"
	keyCategories  = "imgbed:categories"
	keyStats       = "imgbed:stats"
	keyImageList   = "imgbed:images"

	statsFieldTotalImages     = "totalImages"
	statsFieldTotalCategories = "totalCategories"
	statsFieldLastInitDate    = "lastInitDate"
)

func imageKey(id string) string {
	return "imgbed:image:" + id
}

// RedisConfig configures the Redis-backed catalog driver.
type RedisConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	DB           int
	MasterName   string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

// RedisCatalog persists the catalog in Redis. Per-operation atomicity comes
// from command pipelines; cross-operation consistency relies on the insert
// and delete paths being the only writers of the counters.
type RedisCatalog struct {
	client redis.UniversalClient
}

// NewRedisCatalog connects to Redis and seeds the bootstrap keys on first
// contact (default category registered, counters zeroed, init date set).
func NewRedisCatalog(ctx context.Context, cfg RedisConfig) (*RedisCatalog, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})

	c := &RedisCatalog{client: client}
	if err := c.ensureInitialized(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return c, nil
}

func (c *RedisCatalog) ensureInitialized(ctx context.Context) error {
	acquired, err := c.client.SetNX(ctx, keyInitialized, "true", 0).Result()
	if err != nil {
		return fmt.Errorf("initialize catalog: %w", err)
	}
	if !acquired {
		return nil
	}
	pipe := c.client.TxPipeline()
	pipe.SAdd(ctx, keyCategories, DefaultCategory)
	pipe.HSet(ctx, keyStats,
		statsFieldTotalImages, 0,
		statsFieldTotalCategories, 1,
		statsFieldLastInitDate, time.Now().UTC().Format(time.RFC3339),
	)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("seed catalog keys: %w", err)
	}
	return nil
}

// Insert implements Catalog.
func (c *RedisCatalog) Insert(ctx context.Context, params CreateImageParams) (models.ImageRecord, error) {
	record := models.ImageRecord{
		ID:         newImageID(),
		Filename:   params.Filename,
		URL:        params.URL,
		Size:       params.Size,
		FileID:     params.FileID,
		Category:   normalizeCategory(params.Category),
		UploadTime: time.Now().UTC(),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return models.ImageRecord{}, fmt.Errorf("encode image record: %w", err)
	}

	newCategories, err := c.client.SAdd(ctx, keyCategories, record.Category).Result()
	if err != nil {
		return models.ImageRecord{}, fmt.Errorf("register category: %w", err)
	}

	pipe := c.client.TxPipeline()
	pipe.Set(ctx, imageKey(record.ID), payload, 0)
	pipe.LPush(ctx, keyImageList, record.ID)
	pipe.HIncrBy(ctx, keyStats, statsFieldTotalImages, 1)
	if newCategories > 0 {
		pipe.HIncrBy(ctx, keyStats, statsFieldTotalCategories, newCategories)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return models.ImageRecord{}, fmt.Errorf("store image record: %w", err)
	}
	return record, nil
}

// Get implements Catalog.
func (c *RedisCatalog) Get(ctx context.Context, id string) (models.ImageRecord, error) {
	payload, err := c.client.Get(ctx, imageKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return models.ImageRecord{}, ErrImageNotFound
	}
	if err != nil {
		return models.ImageRecord{}, fmt.Errorf("fetch image record: %w", err)
	}
	var record models.ImageRecord
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		return models.ImageRecord{}, fmt.Errorf("decode image record %s: %w", id, err)
	}
	return record, nil
}

// Update implements Catalog.
func (c *RedisCatalog) Update(ctx context.Context, id string, update ImageUpdate) (models.ImageRecord, error) {
	if err := validateUpdate(update); err != nil {
		return models.ImageRecord{}, err
	}
	record, err := c.Get(ctx, id)
	if err != nil {
		return models.ImageRecord{}, err
	}
	if update.Filename != nil {
		record.Filename = *update.Filename
	}
	if update.Category != nil {
		record.Category = normalizeCategory(*update.Category)
		added, err := c.client.SAdd(ctx, keyCategories, record.Category).Result()
		if err != nil {
			return models.ImageRecord{}, fmt.Errorf("register category: %w", err)
		}
		if added > 0 {
			if err := c.client.HIncrBy(ctx, keyStats, statsFieldTotalCategories, added).Err(); err != nil {
				return models.ImageRecord{}, fmt.Errorf("bump category counter: %w", err)
			}
		}
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return models.ImageRecord{}, fmt.Errorf("encode image record: %w", err)
	}
	if err := c.client.Set(ctx, imageKey(id), payload, 0).Err(); err != nil {
		return models.ImageRecord{}, fmt.Errorf("store image record: %w", err)
	}
	return record, nil
}

// Delete implements Catalog.
func (c *RedisCatalog) Delete(ctx context.Context, id string) (models.ImageRecord, error) {
	record, err := c.Get(ctx, id)
	if err != nil {
		return models.ImageRecord{}, err
	}
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, imageKey(id))
	pipe.LRem(ctx, keyImageList, 0, id)
	pipe.HIncrBy(ctx, keyStats, statsFieldTotalImages, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return models.ImageRecord{}, fmt.Errorf("delete image record: %w", err)
	}
	return record, nil
}

// List implements Catalog. The full recency list is materialised and then
// paged in process, matching the other drivers' observable behaviour.
func (c *RedisCatalog) List(ctx context.Context, page, limit int, category string) (ListResult, error) {
	if err := ValidatePageLimit(page, limit); err != nil {
		return ListResult{}, err
	}

	ids, err := c.client.LRange(ctx, keyImageList, 0, -1).Result()
	if err != nil {
		return ListResult{}, fmt.Errorf("fetch image list: %w", err)
	}
	images := make([]models.ImageRecord, 0, len(ids))
	if len(ids) > 0 {
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = imageKey(id)
		}
		payloads, err := c.client.MGet(ctx, keys...).Result()
		if err != nil {
			return ListResult{}, fmt.Errorf("fetch image records: %w", err)
		}
		for i, payload := range payloads {
			text, ok := payload.(string)
			if !ok {
				// The id survived in the list without a record; skip it.
				continue
			}
			var record models.ImageRecord
			if err := json.Unmarshal([]byte(text), &record); err != nil {
				return ListResult{}, fmt.Errorf("decode image record %s: %w", ids[i], err)
			}
			images = append(images, record)
		}
	}
	return paginate(images, page, limit, category), nil
}

// Categories implements Catalog.
func (c *RedisCatalog) Categories(ctx context.Context) ([]string, error) {
	categories, err := c.client.SMembers(ctx, keyCategories).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch categories: %w", err)
	}
	sort.Strings(categories)
	return categories, nil
}

// Stats implements Catalog.
func (c *RedisCatalog) Stats(ctx context.Context) (models.Stats, error) {
	fields, err := c.client.HGetAll(ctx, keyStats).Result()
	if err != nil {
		return models.Stats{}, fmt.Errorf("fetch stats: %w", err)
	}
	stats := models.Stats{}
	if raw, ok := fields[statsFieldTotalImages]; ok {
		if value, err := strconv.Atoi(raw); err == nil {
			stats.TotalImages = value
		}
	}
	if raw, ok := fields[statsFieldTotalCategories]; ok {
		if value, err := strconv.Atoi(raw); err == nil {
			stats.TotalCategories = value
		}
	}
	if raw, ok := fields[statsFieldLastInitDate]; ok {
		if value, err := time.Parse(time.RFC3339, raw); err == nil {
			stats.LastInitDate = value
		}
	}
	return stats, nil
}

// Ping implements Catalog.
func (c *RedisCatalog) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close implements Catalog.
func (c *RedisCatalog) Close() error {
	return c.client.Close()
}
