package definition

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/EreZAzariyA/dream-team-builder-sub008/pkg/schema"
)

// Registry holds workflow documents by id and parses them on first use, so
// a malformed document surfaces its DEFINITION_ERROR to whoever starts it.
// It is safe for concurrent use.
type Registry struct {
	parser *Parser

	mu     sync.RWMutex
	docs   map[string][]byte
	parsed map[string]*schema.WorkflowDefinition
}

// NewRegistry creates an empty Registry. A nil parser uses NewParser().
func NewRegistry(p *Parser) *Registry {
	if p == nil {
		p = NewParser()
	}
	return &Registry{
		parser: p,
		docs:   make(map[string][]byte),
		parsed: make(map[string]*schema.WorkflowDefinition),
	}
}

// Add registers an already parsed definition under its id.
func (r *Registry) Add(def *schema.WorkflowDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parsed[def.ID] = def
	delete(r.docs, def.ID)
}

// AddDocument registers a raw document under id, replacing any previous one.
func (r *Registry) AddDocument(id string, raw []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs[id] = slices.Clone(raw)
	delete(r.parsed, id)
}

// Define parses raw with the registry's parser and registers the result,
// so a malformed document is rejected instead of stored.
func (r *Registry) Define(raw []byte) (*schema.WorkflowDefinition, error) {
	def, err := r.parser.Parse(raw)
	if err != nil {
		return nil, err
	}
	r.Add(def)
	return def, nil
}

// LoadDir registers every .yaml/.yml file in dir. Documents are keyed by
// their workflow id, or by file stem when the id cannot be read.
func (r *Registry) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read definitions dir: %w", err)
	}

	var errs []error
	loaded := 0
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("read %s: %w", path, err))
			continue
		}
		r.AddDocument(documentID(raw, strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))), raw)
		loaded++
	}
	return loaded, errors.Join(errs...)
}

// Lookup returns the parsed definition for id.
func (r *Registry) Lookup(_ context.Context, id string) (*schema.WorkflowDefinition, error) {
	r.mu.RLock()
	if def, ok := r.parsed[id]; ok {
		r.mu.RUnlock()
		return def, nil
	}
	raw, ok := r.docs[id]
	r.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow definition %q not found", id)
	}

	p := *r.parser
	p.defaultID = id
	def, err := p.Parse(raw)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.parsed[id]; ok {
		return cached, nil
	}
	r.parsed[id] = def
	return def, nil
}

// IDs returns the registered ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.docs)+len(r.parsed))
	for id := range r.docs {
		ids = append(ids, id)
	}
	for id := range r.parsed {
		if _, dup := r.docs[id]; !dup {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

func documentID(raw []byte, fallback string) string {
	var head struct {
		Workflow struct {
			ID string `yaml:"id"`
		} `yaml:"workflow"`
	}
	if err := yaml.Unmarshal(raw, &head); err != nil || strings.TrimSpace(head.Workflow.ID) == "" {
		return fallback
	}
	return strings.TrimSpace(head.Workflow.ID)
}
