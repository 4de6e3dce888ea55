// Package catalog resolves task categories and validates their requirement briefs.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/designdesk/backend/internal/cache"
	"github.com/designdesk/backend/internal/models"
)

// Store persists categories.
type Store interface {
	GetCategory(ctx context.Context, name string) (*models.Category, error)
	ListCategories(ctx context.Context) ([]*models.Category, error)
	UpsertCategories(ctx context.Context, cats []*models.Category) error
}

type compiled struct {
	category *models.Category
	schema   *jsonschema.Schema
}

// Catalog caches categories with their compiled schemas. Entries refresh after the TTL
// or when Reload / Import invalidates them.
type Catalog struct {
	store  Store
	cache  *cache.TTL[string, *compiled]
	logger *slog.Logger
}

func New(store Store, ttl time.Duration, now func() time.Time, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		store:  store,
		cache:  cache.NewTTL[string, *compiled](ttl, now),
		logger: logger,
	}
}

// Get returns the category by name. Unknown names yield models.ErrNotFound.
func (c *Catalog) Get(ctx context.Context, name string) (*models.Category, error) {
	cc, err := c.load(ctx, name)
	if err != nil {
		return nil, err
	}
	cp := *cc.category
	return &cp, nil
}

func (c *Catalog) List(ctx context.Context) ([]*models.Category, error) {
	return c.store.ListCategories(ctx)
}

// Resolve looks up the category, validates raw against its schema (hard reject), and parses the typed brief.
func (c *Catalog) Resolve(ctx context.Context, name string, raw json.RawMessage) (*models.Category, models.Brief, error) {
	if strings.TrimSpace(name) == "" {
		return nil, nil, models.NewValidationError("category", "is required")
	}
	cc, err := c.load(ctx, name)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, nil, models.NewValidationError("category", "unknown category %q", name)
		}
		return nil, nil, err
	}
	if len(raw) == 0 {
		return nil, nil, models.NewValidationError("requirements", "is required")
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, nil, models.NewValidationError("requirements", "invalid JSON: %v", err)
	}
	if err := cc.schema.Validate(doc); err != nil {
		return nil, nil, models.NewValidationError("requirements", "%v", err)
	}
	brief, err := models.ParseBrief(cc.category.Kind, raw)
	if err != nil {
		return nil, nil, err
	}
	cp := *cc.category
	return &cp, brief, nil
}

// Reload drops every cached category.
func (c *Catalog) Reload() {
	c.cache.InvalidateAll()
	c.logger.Info("category cache invalidated")
}

// Import validates and compiles cats, upserts them, then invalidates the cache.
func (c *Catalog) Import(ctx context.Context, cats []*models.Category) error {
	for _, cat := range cats {
		if err := Validate(cat); err != nil {
			return err
		}
		if _, err := compile(cat); err != nil {
			return err
		}
	}
	if err := c.store.UpsertCategories(ctx, cats); err != nil {
		return fmt.Errorf("upsert categories: %w", err)
	}
	for _, cat := range cats {
		c.cache.Invalidate(cat.Name)
	}
	c.logger.Info("categories imported", "count", len(cats))
	return nil
}

func (c *Catalog) load(ctx context.Context, name string) (*compiled, error) {
	return c.cache.GetOrLoad(ctx, name, func(ctx context.Context, name string) (*compiled, error) {
		cat, err := c.store.GetCategory(ctx, name)
		if err != nil {
			return nil, err
		}
		return compile(cat)
	})
}

// Validate checks a category definition before it is stored.
func Validate(cat *models.Category) error {
	if strings.TrimSpace(cat.Name) == "" {
		return models.NewValidationError("name", "is required")
	}
	switch cat.Kind {
	case models.BriefLogo, models.BriefSocialMedia, models.BriefIllustration, models.BriefGeneric:
	default:
		return models.NewValidationError("kind", "category %q: unknown kind %q", cat.Name, cat.Kind)
	}
	if cat.CreditCost <= 0 {
		return models.NewValidationError("credit_cost", "category %q: must be > 0", cat.Name)
	}
	if cat.MaxRevisions < 0 {
		return models.NewValidationError("max_revisions", "category %q: must be >= 0", cat.Name)
	}
	return nil
}

func compile(cat *models.Category) (*compiled, error) {
	schema := cat.Schema
	if strings.TrimSpace(schema) == "" {
		schema = `{"type":"object"}`
	}
	id := "https://designdesk.dev/schemas/categories/" + cat.Name + ".json"
	s, err := jsonschema.CompileString(id, schema)
	if err != nil {
		return nil, fmt.Errorf("compile schema for category %q: %w", cat.Name, err)
	}
	return &compiled{category: cat, schema: s}, nil
}

type catalogFile struct {
	Categories []*models.Category `yaml:"categories"`
}

// LoadFile reads a YAML catalog file.
func LoadFile(path string) ([]*models.Category, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML catalog document and validates each entry.
func Parse(data []byte) ([]*models.Category, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	seen := make(map[string]bool, len(f.Categories))
	for _, cat := range f.Categories {
		if err := Validate(cat); err != nil {
			return nil, err
		}
		if seen[cat.Name] {
			return nil, models.NewValidationError("name", "duplicate category %q", cat.Name)
		}
		seen[cat.Name] = true
	}
	return f.Categories, nil
}
