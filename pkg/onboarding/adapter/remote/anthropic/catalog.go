package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tigerroll/onboarding/pkg/onboarding/adapter/storage"
	"github.com/tigerroll/onboarding/pkg/onboarding/support/util/exception"
	logger "github.com/tigerroll/onboarding/pkg/onboarding/support/util/logger"
)

// PathSeparator joins category names into a full path.
const PathSeparator = " > "

// Category is one node of the category tree.
type Category struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ParentID    string `json:"parent_id,omitempty"`
	Description string `json:"description,omitempty"`
}

// CategorySchema describes the attributes extracted for one category.
type CategorySchema struct {
	CategoryName     string                 `json:"category_name"`
	SubcategoryName  string                 `json:"subcategory_name,omitempty"`
	AttributesSchema map[string]interface{} `json:"attributes_schema,omitempty"`
}

// Catalog lazily loads the category tree and attribute schema from object storage.
// A failed load is retried on the next call.
type Catalog struct {
	conn        storage.StorageExecutor
	bucket      string
	taxonomyKey string
	schemaKey   string

	mu         sync.Mutex
	loaded     bool
	categories map[string]Category
	children   map[string]int
	schemas    map[string]CategorySchema
}

// NewCatalog creates a catalog reading taxonomyKey and schemaKey from bucket.
// An empty schemaKey means no category has attributes.
func NewCatalog(conn storage.StorageExecutor, bucket, taxonomyKey, schemaKey string) *Catalog {
	return &Catalog{conn: conn, bucket: bucket, taxonomyKey: taxonomyKey, schemaKey: schemaKey}
}

// NewStaticCatalog creates a catalog over in-memory data.
func NewStaticCatalog(categories []Category, schemas map[string]CategorySchema) *Catalog {
	c := &Catalog{}
	c.index(categories, schemas)
	return c
}

func (c *Catalog) index(categories []Category, schemas map[string]CategorySchema) {
	c.categories = make(map[string]Category, len(categories))
	c.children = make(map[string]int)
	for _, cat := range categories {
		c.categories[cat.ID] = cat
		if cat.ParentID != "" {
			c.children[cat.ParentID]++
		}
	}
	if schemas == nil {
		schemas = map[string]CategorySchema{}
	}
	c.schemas = schemas
	c.loaded = true
}

func (c *Catalog) ensure(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return nil
	}
	var tree map[string]Category
	if err := c.read(ctx, c.taxonomyKey, &tree); err != nil {
		return err
	}
	categories := make([]Category, 0, len(tree))
	for id, cat := range tree {
		if cat.ID == "" {
			cat.ID = id
		}
		categories = append(categories, cat)
	}
	schemas := map[string]CategorySchema{}
	if c.schemaKey != "" {
		if err := c.read(ctx, c.schemaKey, &schemas); err != nil {
			return err
		}
	}
	c.index(categories, schemas)
	logger.Infof("Loaded %d categories and %d attribute schemas from bucket '%s'.", len(categories), len(schemas), c.bucket)
	return nil
}

func (c *Catalog) read(ctx context.Context, key string, out interface{}) error {
	rc, err := c.conn.Download(ctx, c.bucket, key)
	if err != nil {
		return exception.NewRetryableError("catalog", fmt.Sprintf("failed to download '%s'", key), err)
	}
	defer rc.Close()
	if err := json.NewDecoder(rc).Decode(out); err != nil {
		return exception.NewOnboardingError("catalog", fmt.Sprintf("failed to decode '%s'", key), err, exception.Fatal)
	}
	return nil
}

// Category returns the category with id.
func (c *Catalog) Category(ctx context.Context, id string) (Category, bool, error) {
	if err := c.ensure(ctx); err != nil {
		return Category{}, false, err
	}
	cat, ok := c.categories[id]
	return cat, ok, nil
}

// Path returns the names from the root to id joined by PathSeparator.
func (c *Catalog) Path(ctx context.Context, id string) (string, error) {
	if err := c.ensure(ctx); err != nil {
		return "", err
	}
	var names []string
	seen := map[string]bool{}
	for cur, ok := c.categories[id]; ok && !seen[cur.ID]; cur, ok = c.categories[cur.ParentID] {
		seen[cur.ID] = true
		names = append([]string{cur.Name}, names...)
	}
	return strings.Join(names, PathSeparator), nil
}

// Leaves returns every category without children, ordered by id.
func (c *Catalog) Leaves(ctx context.Context) ([]Category, error) {
	if err := c.ensure(ctx); err != nil {
		return nil, err
	}
	var out []Category
	for id, cat := range c.categories {
		if c.children[id] == 0 {
			out = append(out, cat)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Schema returns the attribute schema of the category with id.
func (c *Catalog) Schema(ctx context.Context, id string) (CategorySchema, bool, error) {
	if err := c.ensure(ctx); err != nil {
		return CategorySchema{}, false, err
	}
	s, ok := c.schemas[id]
	return s, ok, nil
}
