// Package catalog holds the registry of Avi-on product definitions: which
// product IDs are exposable lights and what their white channel supports.
package catalog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"halo-bridge/internal/avion"
)

// Product describes one Avi-on product ID.
type Product struct {
	ID        int    `json:"id"`
	Brand     string `json:"brand,omitempty"`
	Model     string `json:"model,omitempty"`
	Dimmable  bool   `json:"dimmable"`
	Tunable   bool   `json:"tunable"`
	MinKelvin int    `json:"min_kelvin,omitempty"`
	MaxKelvin int    `json:"max_kelvin,omitempty"`
}

// Catalog holds product definitions keyed by product ID. Membership decides
// which abstract devices the bridge exposes as lights.
type Catalog struct {
	mu       sync.RWMutex
	products map[int]*Product
	logger   *slog.Logger
}

// New creates an empty catalog.
func New(logger *slog.Logger) *Catalog {
	return &Catalog{
		products: make(map[int]*Product),
		logger:   logger,
	}
}

// Register adds a product definition, replacing an existing entry with the
// same ID.
func (c *Catalog) Register(p Product) {
	c.mu.Lock()
	defer c.mu.Unlock()
	clone := p
	if _, ok := c.products[p.ID]; ok {
		c.logger.Debug("product replaced", "id", p.ID, "model", p.Model)
	} else {
		c.logger.Debug("product registered", "id", p.ID, "model", p.Model)
	}
	c.products[p.ID] = &clone
}

// Lookup returns a product definition by ID, or nil if not found.
// The returned value is a copy; callers may modify it safely.
func (c *Catalog) Lookup(id int) *Product {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p := c.products[id]
	if p == nil {
		return nil
	}
	clone := *p
	return &clone
}

// Supported reports whether a product ID should be exposed as a light.
func (c *Catalog) Supported(id int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.products[id]
	return ok
}

// All returns all product definitions ordered by ID.
func (c *Catalog) All() []Product {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Product, 0, len(c.products))
	for _, p := range c.products {
		result = append(result, *p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Len returns the number of product definitions.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.products)
}

// KelvinRange returns the white channel bounds for a product, falling back
// to the RL56 factory range for unknown products, groups, and scenes.
func (c *Catalog) KelvinRange(id int) (min, max int) {
	p := c.Lookup(id)
	if p == nil || p.MinKelvin <= 0 || p.MaxKelvin <= 0 {
		return avion.DefaultMinKelvin, avion.DefaultMaxKelvin
	}
	return p.MinKelvin, p.MaxKelvin
}

// productFile is the JSON structure for files in the products directory.
type productFile struct {
	Products []Product `json:"products,omitempty"`
}

// LoadProductDir reads all *.json files from a directory into the catalog,
// overriding built-in definitions with the same ID. Returns without error if
// the directory doesn't exist or is empty.
func LoadProductDir(dir string, cat *Catalog, logger *slog.Logger) error {
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return fmt.Errorf("glob products dir: %w", err)
	}
	if len(matches) == 0 {
		logger.Info("no product definition files found", "dir", dir)
		return nil
	}

	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		var pf productFile
		if err := json.Unmarshal(data, &pf); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}

		for _, p := range pf.Products {
			cat.Register(p)
		}
		logger.Info("loaded product file", "path", filepath.Base(path), "products", len(pf.Products))
	}

	logger.Info("product catalog loaded", "files", len(matches), "products", cat.Len())
	return nil
}
