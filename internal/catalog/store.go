package catalog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store is a SQLite-backed product store.
type Store struct {
	db *sql.DB
}

// NewStore creates a product store on an open database handle,
// creating the schema if needed.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		category TEXT NOT NULL,
		name TEXT NOT NULL,
		price_min INTEGER NOT NULL,
		price_max INTEGER NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		specs TEXT NOT NULL DEFAULT '{}',
		images TEXT NOT NULL DEFAULT '[]',
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_products_category ON products(category);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Snapshot returns all products ordered by category then name.
func (s *Store) Snapshot() ([]Product, error) {
	rows, err := s.db.Query(`
		SELECT id, category, name, price_min, price_max, description, specs, images, updated_at
		FROM products
		ORDER BY category, name
	`)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	var products []Product
	for rows.Next() {
		var p Product
		var specs, images string
		if err := rows.Scan(&p.ID, &p.Category, &p.Name, &p.PriceMin, &p.PriceMax,
			&p.Description, &specs, &images, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		if err := json.Unmarshal([]byte(specs), &p.Specs); err != nil {
			p.Specs = nil
		}
		if err := json.Unmarshal([]byte(images), &p.Images); err != nil {
			p.Images = nil
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// Get returns one product by id.
func (s *Store) Get(id string) (Product, error) {
	row := s.db.QueryRow(`
		SELECT id, category, name, price_min, price_max, description, specs, images, updated_at
		FROM products WHERE id = ?
	`, id)

	var p Product
	var specs, images string
	err := row.Scan(&p.ID, &p.Category, &p.Name, &p.PriceMin, &p.PriceMax,
		&p.Description, &specs, &images, &p.UpdatedAt)
	if err != nil {
		return Product{}, err
	}
	_ = json.Unmarshal([]byte(specs), &p.Specs)
	_ = json.Unmarshal([]byte(images), &p.Images)
	return p, nil
}

// Upsert inserts or replaces a product. A missing id is generated.
// PriceMin must not exceed PriceMax.
func (s *Store) Upsert(p Product) (Product, error) {
	if p.PriceMin > p.PriceMax {
		return Product{}, fmt.Errorf("price_min %d exceeds price_max %d", p.PriceMin, p.PriceMax)
	}
	if p.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return Product{}, fmt.Errorf("generate id: %w", err)
		}
		p.ID = id.String()
	}
	p.UpdatedAt = time.Now()

	specs, _ := json.Marshal(p.Specs)
	images, _ := json.Marshal(p.Images)
	if p.Specs == nil {
		specs = []byte("{}")
	}
	if p.Images == nil {
		images = []byte("[]")
	}

	_, err := s.db.Exec(`
		INSERT INTO products (id, category, name, price_min, price_max, description, specs, images, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			category = excluded.category,
			name = excluded.name,
			price_min = excluded.price_min,
			price_max = excluded.price_max,
			description = excluded.description,
			specs = excluded.specs,
			images = excluded.images,
			updated_at = excluded.updated_at
	`, p.ID, p.Category, p.Name, p.PriceMin, p.PriceMax, p.Description, string(specs), string(images), p.UpdatedAt)
	if err != nil {
		return Product{}, fmt.Errorf("upsert product: %w", err)
	}
	return p, nil
}

// Delete removes a product by id.
func (s *Store) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM products WHERE id = ?`, id)
	return err
}
