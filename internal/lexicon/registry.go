// Package lexicon validates records against per-collection JSON schemas
// loaded from a directory of <nsid>.json files.
package lexicon

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var ErrUnknownCollection = errors.New("no schema registered for collection")

type Options struct {
	// RequireSchema rejects records whose collection has no schema.
	RequireSchema bool
}

// Registry implements indexer.RecordValidator. It is safe for concurrent use
// and can be reloaded while validating.
type Registry struct {
	dir  string
	opts Options

	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

func NewRegistry(opts Options) *Registry {
	return &Registry{opts: opts, schemas: map[string]*jsonschema.Schema{}}
}

// LoadDir builds a registry from every *.json file in dir.
func LoadDir(dir string, opts Options) (*Registry, error) {
	r := NewRegistry(opts)
	r.dir = strings.TrimSpace(dir)
	if r.dir == "" {
		return nil, fmt.Errorf("lexicon directory is required")
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) Dir() string { return r.dir }

// Reload recompiles the directory and swaps the schema set in one step. On
// error the previous set stays active.
func (r *Registry) Reload() error {
	if r.dir == "" {
		return nil
	}
	paths, err := filepath.Glob(filepath.Join(r.dir, "*.json"))
	if err != nil {
		return err
	}
	compiled := make(map[string]*jsonschema.Schema, len(paths))
	for _, path := range paths {
		nsid := strings.TrimSuffix(filepath.Base(path), ".json")
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		schema, err := compileSchema(nsid, data)
		if err != nil {
			return fmt.Errorf("lexicon %s: %w", nsid, err)
		}
		compiled[nsid] = schema
	}
	r.mu.Lock()
	r.schemas = compiled
	r.mu.Unlock()
	return nil
}

// Register compiles and adds a single schema.
func (r *Registry) Register(nsid string, schemaJSON []byte) error {
	nsid = strings.TrimSpace(nsid)
	if nsid == "" {
		return fmt.Errorf("lexicon nsid is required")
	}
	schema, err := compileSchema(nsid, schemaJSON)
	if err != nil {
		return fmt.Errorf("lexicon %s: %w", nsid, err)
	}
	r.mu.Lock()
	r.schemas[nsid] = schema
	r.mu.Unlock()
	return nil
}

func (r *Registry) Collections() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.schemas))
	for nsid := range r.schemas {
		out = append(out, nsid)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Validate(collection string, value json.RawMessage) error {
	r.mu.RLock()
	schema, ok := r.schemas[collection]
	r.mu.RUnlock()
	if !ok {
		if r.opts.RequireSchema {
			return fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
		}
		return nil
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(value))
	if err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	return nil
}

func compileSchema(nsid string, data []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	location := nsid + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(location, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(location)
}
