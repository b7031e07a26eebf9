// Package catalog manages the product inventory the bot sells from.
package catalog

import (
	"time"
)

// Product is one sellable item. The orchestration core reads products
// as an immutable snapshot per turn; only the admin API mutates them.
type Product struct {
	ID          string            `json:"id"`
	Category    string            `json:"category"`
	Name        string            `json:"name"`
	PriceMin    int64             `json:"price_min"`
	PriceMax    int64             `json:"price_max"`
	Description string            `json:"description"`
	Specs       map[string]string `json:"specs,omitempty"`
	Images      []string          `json:"images,omitempty"` // fetchable URLs
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Inventory is the read surface the conversation pipeline depends on.
// Snapshot must return a consistent view: the same slice is used both
// for building the instruction prompt and for resolving tool-call
// product references within one turn.
type Inventory interface {
	Snapshot() ([]Product, error)
}

// Find returns the product with the given id from a snapshot, or false.
func Find(products []Product, id string) (Product, bool) {
	for _, p := range products {
		if p.ID == id {
			return p, true
		}
	}
	return Product{}, false
}
