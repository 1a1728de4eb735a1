// Package menu resolves menu item references into the snapshot copied onto
// an order line.
package menu

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"tableside/internal/models"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

var ErrMenuItemNotFound = errors.New("menu item not found")

type Catalog interface {
	Lookup(ctx context.Context, menuItemID string) (models.ItemSnapshot, error)
}

// StaticCatalog serves a fixed set of items held in memory.
type StaticCatalog struct {
	mu    sync.RWMutex
	items map[string]models.ItemSnapshot
}

func NewStaticCatalog(items ...models.ItemSnapshot) *StaticCatalog {
	c := &StaticCatalog{items: make(map[string]models.ItemSnapshot, len(items))}
	for _, item := range items {
		c.items[item.MenuItemID] = item
	}
	return c
}

func (c *StaticCatalog) Lookup(_ context.Context, menuItemID string) (models.ItemSnapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	item, ok := c.items[strings.TrimSpace(menuItemID)]
	if !ok {
		return models.ItemSnapshot{}, fmt.Errorf("%w: %s", ErrMenuItemNotFound, menuItemID)
	}
	return item, nil
}

// Put replaces or adds an item. Orders already holding a snapshot of it are
// unaffected.
func (c *StaticCatalog) Put(item models.ItemSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[item.MenuItemID] = item
}

func (c *StaticCatalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

type fileItem struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	ItemCode  string `yaml:"item_code"`
	UnitPrice string `yaml:"unit_price"`
	Available *bool  `yaml:"available"`
}

type fileDoc struct {
	Items []fileItem `yaml:"items"`
}

// LoadFile reads a YAML menu:
//
//	items:
//	  - id: pho
//	    name: Pho
//	    item_code: P01
//	    unit_price: "8.50"
//
// Items default to available.
func LoadFile(path string) (*StaticCatalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

func Parse(raw []byte) (*StaticCatalog, error) {
	var doc fileDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse menu: %w", err)
	}
	items := make([]models.ItemSnapshot, 0, len(doc.Items))
	seen := make(map[string]bool, len(doc.Items))
	for i, item := range doc.Items {
		id := strings.TrimSpace(item.ID)
		if id == "" {
			return nil, fmt.Errorf("menu item %d: id is required", i)
		}
		if seen[id] {
			return nil, fmt.Errorf("menu item %s: duplicate id", id)
		}
		seen[id] = true
		if strings.TrimSpace(item.Name) == "" {
			return nil, fmt.Errorf("menu item %s: name is required", id)
		}
		price, err := decimal.NewFromString(strings.TrimSpace(item.UnitPrice))
		if err != nil {
			return nil, fmt.Errorf("menu item %s: unit_price: %w", id, err)
		}
		if !price.IsPositive() {
			return nil, fmt.Errorf("menu item %s: unit_price must be positive", id)
		}
		available := true
		if item.Available != nil {
			available = *item.Available
		}
		items = append(items, models.ItemSnapshot{
			MenuItemID: id,
			Name:       strings.TrimSpace(item.Name),
			ItemCode:   strings.TrimSpace(item.ItemCode),
			UnitPrice:  price,
			Available:  available,
		})
	}
	return NewStaticCatalog(items...), nil
}
