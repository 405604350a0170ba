// Package schema validates documents against named, versioned field
// descriptors: types and required flags, exactly the shape the data model
// calls a Schema. Validation is a pure function of (document, schema); it
// never touches the WAL or storage.
package schema

import (
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	aeroerrors "github.com/kartikbazzad/aerodb/pkg/errors"
	"github.com/kartikbazzad/aerodb/storage"
)

// FieldType is the closed set of field types a FieldDescriptor can name.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeObject  FieldType = "object"
	TypeArray   FieldType = "array"
)

// FieldDescriptor describes one field of a Schema: its type and whether a
// document must carry it.
type FieldDescriptor struct {
	Name     string
	Type     FieldType
	Required bool
}

// Schema is named and versioned; two Schema values with the same Name but
// different Version describe the same logical entity at different points
// in its evolution.
type Schema struct {
	Name    string
	Version int
	Fields  []FieldDescriptor

	mu       sync.Mutex
	compiled *gojsonschema.Schema
}

// New builds a Schema from its field descriptors. The underlying JSON
// Schema document is built lazily on first Validate call, not here, since
// Schema values are often constructed well before they are first used.
func New(name string, version int, fields []FieldDescriptor) *Schema {
	return &Schema{Name: name, Version: version, Fields: fields}
}

func (s *Schema) document() map[string]interface{} {
	properties := make(map[string]interface{}, len(s.Fields))
	var required []string
	for _, f := range s.Fields {
		properties[f.Name] = map[string]interface{}{"type": string(f.Type)}
		if f.Required {
			required = append(required, f.Name)
		}
	}

	doc := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return doc
}

func (s *Schema) compile() (*gojsonschema.Schema, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.compiled != nil {
		return s.compiled, nil
	}

	loader := gojsonschema.NewGoLoader(s.document())
	compiled, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return nil, fmt.Errorf("schema: compile %s/v%d: %w", s.Name, s.Version, err)
	}
	s.compiled = compiled
	return compiled, nil
}

// ValidationError is one field-level schema violation.
type ValidationError struct {
	Field       string
	Description string
}

// Validate checks doc against s, returning every violation found (not just
// the first). A nil/empty slice means doc satisfies s.
func (s *Schema) Validate(doc storage.Document) ([]ValidationError, error) {
	compiled, err := s.compile()
	if err != nil {
		return nil, err
	}

	result, err := compiled.Validate(gojsonschema.NewGoLoader(map[string]interface{}(doc)))
	if err != nil {
		return nil, aeroerrors.Validation(aeroerrors.CodeSchemaValidation,
			fmt.Sprintf("schema %s/v%d: validation error: %v", s.Name, s.Version, err), "")
	}

	if result.Valid() {
		return nil, nil
	}

	errs := make([]ValidationError, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		errs = append(errs, ValidationError{Field: e.Field(), Description: e.Description()})
	}
	return errs, nil
}

// MustValidate returns a single *errors.KernelError (CodeSchemaValidation)
// summarizing every violation, or nil if doc is valid. Callers that need
// one error rather than a slice (the pipeline write path) use this.
func (s *Schema) MustValidate(doc storage.Document) error {
	violations, err := s.Validate(doc)
	if err != nil {
		return err
	}
	if len(violations) == 0 {
		return nil
	}

	msg := fmt.Sprintf("document violates schema %s/v%d:", s.Name, s.Version)
	for _, v := range violations {
		msg += fmt.Sprintf(" %s: %s;", v.Field, v.Description)
	}
	return aeroerrors.Validation(aeroerrors.CodeSchemaValidation, msg, "")
}

// Registry holds every known Schema version by (name, version).
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]map[int]*Schema
}

// NewRegistry creates an empty schema registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]map[int]*Schema)}
}

// Register adds or replaces a schema under its own (Name, Version).
func (r *Registry) Register(s *Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.schemas[s.Name] == nil {
		r.schemas[s.Name] = make(map[int]*Schema)
	}
	r.schemas[s.Name][s.Version] = s
}

// Latest returns the highest-versioned schema registered under name.
func (r *Registry) Latest(name string) (*Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, ok := r.schemas[name]
	if !ok || len(versions) == 0 {
		return nil, false
	}
	best := -1
	for v := range versions {
		if v > best {
			best = v
		}
	}
	return versions[best], true
}

// Version returns the schema registered under (name, version) exactly.
func (r *Registry) Version(name string, version int) (*Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, ok := r.schemas[name]
	if !ok {
		return nil, false
	}
	s, ok := versions[version]
	return s, ok
}
