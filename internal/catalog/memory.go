package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/yituo-max/runtuimgbed4.0/internal/models"
)

// snapshot is the on-disk shape of the memory catalog. Records are stored in
// recency order so a reloaded catalog lists identically.
type snapshot struct {
	Images       []models.ImageRecord `json:"images"`
	Categories   []string             `json:"categories"`
	LastInitDate time.Time            `json:"lastInitDate"`
}

// MemoryCatalog keeps the whole catalog in process memory, guarded by a
// single mutex. It is the default driver and the one tests run against.
// With a snapshot path configured it persists the dataset as JSON after
// every mutation, so restarts keep the catalog intact.
type MemoryCatalog struct {
	mu         sync.RWMutex
	images     []models.ImageRecord // most recent first
	index      map[string]int       // id -> position in images
	categories map[string]struct{}
	lastInit   time.Time

	snapshotPath string
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(snapshot) error
	now             func() time.Time
}

// MemoryOption mutates memory catalog configuration.
type MemoryOption func(*MemoryCatalog)

// WithSnapshotPath persists the catalog to a JSON file after every mutation
// and loads it back on construction.
func WithSnapshotPath(path string) MemoryOption {
	return func(c *MemoryCatalog) {
		c.snapshotPath = path
	}
}

func withPersistOverride(persist func(snapshot) error) MemoryOption {
	return func(c *MemoryCatalog) {
		c.persistOverride = persist
	}
}

func withClock(now func() time.Time) MemoryOption {
	return func(c *MemoryCatalog) {
		c.now = now
	}
}

// NewMemoryCatalog builds an empty catalog seeded with the default
// category, or reloads an existing snapshot when one is configured and
// present on disk.
func NewMemoryCatalog(opts ...MemoryOption) (*MemoryCatalog, error) {
	c := &MemoryCatalog{
		index:      make(map[string]int),
		categories: map[string]struct{}{DefaultCategory: {}},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.lastInit = c.now().UTC()

	if c.snapshotPath != "" {
		if err := c.load(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *MemoryCatalog) load() error {
	data, err := os.ReadFile(c.snapshotPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read catalog snapshot: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode catalog snapshot %s: %w", c.snapshotPath, err)
	}
	c.images = snap.Images
	c.index = make(map[string]int, len(snap.Images))
	for i, img := range snap.Images {
		c.index[img.ID] = i
	}
	for _, category := range snap.Categories {
		c.categories[category] = struct{}{}
	}
	if !snap.LastInitDate.IsZero() {
		c.lastInit = snap.LastInitDate
	}
	return nil
}

func (c *MemoryCatalog) persistLocked() error {
	if c.snapshotPath == "" && c.persistOverride == nil {
		return nil
	}
	snap := snapshot{
		Images:       append([]models.ImageRecord(nil), c.images...),
		Categories:   c.categoriesLocked(),
		LastInitDate: c.lastInit,
	}
	if c.persistOverride != nil {
		return c.persistOverride(snap)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode catalog snapshot: %w", err)
	}
	dir := filepath.Dir(c.snapshotPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "catalog-*.json")
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.snapshotPath); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

func (c *MemoryCatalog) reindexLocked() {
	c.index = make(map[string]int, len(c.images))
	for i, img := range c.images {
		c.index[img.ID] = i
	}
}

// Insert implements Catalog.
func (c *MemoryCatalog) Insert(_ context.Context, params CreateImageParams) (models.ImageRecord, error) {
	record := models.ImageRecord{
		ID:         newImageID(),
		Filename:   params.Filename,
		URL:        params.URL,
		Size:       params.Size,
		FileID:     params.FileID,
		Category:   normalizeCategory(params.Category),
		UploadTime: c.now().UTC(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.images = append([]models.ImageRecord{record}, c.images...)
	c.reindexLocked()
	c.categories[record.Category] = struct{}{}

	if err := c.persistLocked(); err != nil {
		// Roll the insert back so a failed persist leaves no phantom record.
		c.images = c.images[1:]
		c.reindexLocked()
		return models.ImageRecord{}, err
	}
	return record, nil
}

// Get implements Catalog.
func (c *MemoryCatalog) Get(_ context.Context, id string) (models.ImageRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	pos, ok := c.index[id]
	if !ok {
		return models.ImageRecord{}, ErrImageNotFound
	}
	return c.images[pos], nil
}

// Update implements Catalog.
func (c *MemoryCatalog) Update(_ context.Context, id string, update ImageUpdate) (models.ImageRecord, error) {
	if err := validateUpdate(update); err != nil {
		return models.ImageRecord{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	pos, ok := c.index[id]
	if !ok {
		return models.ImageRecord{}, ErrImageNotFound
	}
	record := c.images[pos]
	if update.Filename != nil {
		record.Filename = *update.Filename
	}
	if update.Category != nil {
		record.Category = normalizeCategory(*update.Category)
		c.categories[record.Category] = struct{}{}
	}
	c.images[pos] = record

	if err := c.persistLocked(); err != nil {
		return models.ImageRecord{}, err
	}
	return record, nil
}

// Delete implements Catalog.
func (c *MemoryCatalog) Delete(_ context.Context, id string) (models.ImageRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pos, ok := c.index[id]
	if !ok {
		return models.ImageRecord{}, ErrImageNotFound
	}
	record := c.images[pos]
	c.images = append(c.images[:pos], c.images[pos+1:]...)
	c.reindexLocked()

	if err := c.persistLocked(); err != nil {
		return models.ImageRecord{}, err
	}
	return record, nil
}

// List implements Catalog.
func (c *MemoryCatalog) List(_ context.Context, page, limit int, category string) (ListResult, error) {
	if err := ValidatePageLimit(page, limit); err != nil {
		return ListResult{}, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return paginate(c.images, page, limit, category), nil
}

// Categories implements Catalog.
func (c *MemoryCatalog) Categories(_ context.Context) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.categoriesLocked(), nil
}

func (c *MemoryCatalog) categoriesLocked() []string {
	categories := make([]string, 0, len(c.categories))
	for category := range c.categories {
		categories = append(categories, category)
	}
	sort.Strings(categories)
	return categories
}

// Stats implements Catalog.
func (c *MemoryCatalog) Stats(_ context.Context) (models.Stats, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return models.Stats{
		TotalImages:     len(c.images),
		TotalCategories: len(c.categories),
		LastInitDate:    c.lastInit,
	}, nil
}

// Ping implements Catalog.
func (c *MemoryCatalog) Ping(context.Context) error { return nil }

// Close implements Catalog.
func (c *MemoryCatalog) Close() error { return nil }
