// Package vector owns the embedded vector database shared by the memory
// layers. One SQLite file holds two collections: "facts" carries one
// embedding per canonical fact for semantic key matching, and "chunks"
// carries conversation turns for contextual recall. The same file backs
// the concept graph.
package vector

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/liliang-cn/sqvect/v2/pkg/core"
	"github.com/liliang-cn/sqvect/v2/pkg/graph"
)

// Collection names.
const (
	CollectionFacts  = "facts"
	CollectionChunks = "chunks"
)

// Config controls how the vector store opens.
type Config struct {
	// Path is the SQLite file location. Empty means ~/.engram/vectors.db.
	Path string
	// Dimensions must match the embedding provider's output size.
	Dimensions int
	// EnableGraph initializes the concept graph schema alongside the
	// vector collections.
	EnableGraph bool
}

// DB wraps the sqvect store with the collections the memory layers use.
type DB struct {
	store *core.SQLiteStore
	graph *graph.GraphStore
	dim   int
}

// Open creates or opens the vector database and ensures both collections
// exist at the configured dimensionality.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("vector store requires positive dimensions, got %d", cfg.Dimensions)
	}
	path := cfg.Path
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home dir: %w", err)
		}
		path = filepath.Join(home, ".engram", "vectors.db")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating vector store dir: %w", err)
		}
	}

	store, err := core.New(path, cfg.Dimensions)
	if err != nil {
		return nil, fmt.Errorf("opening vector store %s: %w", path, err)
	}
	if err := store.Init(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("initializing vector store: %w", err)
	}

	db := &DB{store: store, dim: cfg.Dimensions}
	for _, name := range []string{CollectionFacts, CollectionChunks} {
		if err := db.ensureCollection(ctx, name); err != nil {
			store.Close()
			return nil, err
		}
	}

	if cfg.EnableGraph {
		g := graph.NewGraphStore(store)
		if err := g.InitGraphSchema(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("initializing graph schema: %w", err)
		}
		db.graph = g
	}
	return db, nil
}

func (d *DB) ensureCollection(ctx context.Context, name string) error {
	if _, err := d.store.GetCollection(ctx, name); err == nil {
		return nil
	}
	if _, err := d.store.CreateCollection(ctx, name, d.dim); err != nil {
		// Lost a create race with another handle; the collection exists.
		if strings.Contains(err.Error(), "already exists") {
			return nil
		}
		return fmt.Errorf("creating collection %s: %w", name, err)
	}
	return nil
}

// Store exposes the underlying sqvect handle for upserts and searches.
func (d *DB) Store() *core.SQLiteStore { return d.store }

// Graph returns the concept graph handle, or nil when the graph was not
// enabled at open time.
func (d *DB) Graph() *graph.GraphStore { return d.graph }

// Dimensions returns the embedding width the store was opened with.
func (d *DB) Dimensions() int { return d.dim }

// Close releases the underlying database.
func (d *DB) Close() error {
	if d.store == nil {
		return nil
	}
	return d.store.Close()
}
