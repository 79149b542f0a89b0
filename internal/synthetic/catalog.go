// Package synthetic keeps the catalog of synthetic assets mirrored by the ledger.
package synthetic

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// Category classifies the underlying of a synthetic asset.
type Category int

const (
	CategoryFiat Category = iota
	CategoryCommodity
	CategoryEquity
)

var (
	// ErrInvalidCategory indicates an unknown category.
	ErrInvalidCategory = errors.New("synthetic: invalid category")
	// ErrInvalidAsset indicates missing or malformed asset fields.
	ErrInvalidAsset = errors.New("synthetic: invalid asset")
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryFiat:
		return "FIAT"
	case CategoryCommodity:
		return "COMMODITY"
	case CategoryEquity:
		return "EQUITY"
	}
	return "UNKNOWN"
}

// ParseCategory resolves a category name, case-insensitively.
func ParseCategory(raw string) (Category, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "FIAT":
		return CategoryFiat, nil
	case "COMMODITY":
		return CategoryCommodity, nil
	case "EQUITY":
		return CategoryEquity, nil
	}
	return 0, ErrInvalidCategory
}

// MarshalText renders the category name.
func (c Category) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, ErrInvalidCategory
	}
	return []byte(c.String()), nil
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	return c >= CategoryFiat && c <= CategoryEquity
}

// Asset describes a deployed synthetic asset.
type Asset struct {
	Symbol     string    `json:"symbol"`
	Name       string    `json:"name"`
	Category   Category  `json:"category"`
	Underlying string    `json:"underlying"`
	Oracle     string    `json:"oracle"`
	CreatedBy  string    `json:"createdBy"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Normalize trims fields and validates required ones.
func (a Asset) Normalize() (Asset, error) {
	a.Symbol = strings.TrimSpace(a.Symbol)
	a.Name = strings.TrimSpace(a.Name)
	a.Underlying = strings.ToUpper(strings.TrimSpace(a.Underlying))
	a.Oracle = strings.ToLower(strings.TrimSpace(a.Oracle))
	if !a.Category.Valid() {
		return Asset{}, ErrInvalidCategory
	}
	if a.Symbol == "" || a.Name == "" || a.Underlying == "" || a.Oracle == "" {
		return Asset{}, ErrInvalidAsset
	}
	return a, nil
}

// Catalog indexes assets by symbol and by category in deployment order.
type Catalog struct {
	mu         sync.RWMutex
	bySymbol   map[string]Asset
	byCategory map[Category][]string
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{bySymbol: make(map[string]Asset), byCategory: make(map[Category][]string)}
}

// Has reports whether symbol is taken.
func (c *Catalog) Has(symbol string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.bySymbol[symbol]
	return ok
}

// Add appends an asset. Callers check Has first.
func (c *Catalog) Add(a Asset) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addLocked(a)
}

func (c *Catalog) addLocked(a Asset) {
	if _, ok := c.bySymbol[a.Symbol]; ok {
		return
	}
	c.bySymbol[a.Symbol] = a
	c.byCategory[a.Category] = append(c.byCategory[a.Category], a.Symbol)
}

// BySymbol returns the asset for symbol.
func (c *Catalog) BySymbol(symbol string) (Asset, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.bySymbol[symbol]
	return a, ok
}

// ByCategory returns assets of category in deployment order.
func (c *Catalog) ByCategory(cat Category) []Asset {
	c.mu.RLock()
	defer c.mu.RUnlock()
	symbols := c.byCategory[cat]
	out := make([]Asset, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, c.bySymbol[s])
	}
	return out
}

// All returns every asset ordered by creation time then symbol.
func (c *Catalog) All() []Asset {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Asset, 0, len(c.bySymbol))
	for _, a := range c.bySymbol {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// Restore replaces the catalog. Assets must be in deployment order.
func (c *Catalog) Restore(assets []Asset) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bySymbol = make(map[string]Asset, len(assets))
	c.byCategory = make(map[Category][]string)
	for _, a := range assets {
		c.addLocked(a)
	}
}
