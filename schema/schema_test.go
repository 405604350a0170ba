package schema

import (
	"testing"

	"github.com/kartikbazzad/aerodb/storage"
)

func userSchema() *Schema {
	return New("user", 1, []FieldDescriptor{
		{Name: "name", Type: TypeString, Required: true},
		{Name: "age", Type: TypeNumber, Required: false},
	})
}

func TestValidateAcceptsConformingDocument(t *testing.T) {
	s := userSchema()
	doc := storage.Document{"name": "ada", "age": 30.0}

	violations, err := s.Validate(doc)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(violations) != 0 {
		t.Fatalf("expected no violations, got %+v", violations)
	}
}

func TestValidateRejectsMissingRequiredField(t *testing.T) {
	s := userSchema()
	doc := storage.Document{"age": 30.0}

	violations, err := s.Validate(doc)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(violations) == 0 {
		t.Fatal("expected a violation for a missing required field")
	}
}

func TestValidateRejectsWrongType(t *testing.T) {
	s := userSchema()
	doc := storage.Document{"name": "ada", "age": "thirty"}

	violations, err := s.Validate(doc)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(violations) == 0 {
		t.Fatal("expected a violation for a wrong-typed field")
	}
}

func TestMustValidateReturnsOneErrorForMultipleViolations(t *testing.T) {
	s := userSchema()
	doc := storage.Document{"age": "thirty"}

	if err := s.MustValidate(doc); err == nil {
		t.Fatal("expected MustValidate to report a schema error")
	}
}

func TestRegistryLatestPicksHighestVersion(t *testing.T) {
	reg := NewRegistry()
	reg.Register(New("user", 1, nil))
	reg.Register(New("user", 3, nil))
	reg.Register(New("user", 2, nil))

	s, ok := reg.Latest("user")
	if !ok {
		t.Fatal("expected a registered schema")
	}
	if s.Version != 3 {
		t.Fatalf("expected version 3, got %d", s.Version)
	}
}

func TestRegistryVersionExactMatch(t *testing.T) {
	reg := NewRegistry()
	reg.Register(New("user", 1, nil))
	reg.Register(New("user", 2, nil))

	s, ok := reg.Version("user", 1)
	if !ok || s.Version != 1 {
		t.Fatalf("expected version 1, got %+v ok=%v", s, ok)
	}

	if _, ok := reg.Version("user", 99); ok {
		t.Fatal("expected no schema at an unregistered version")
	}
}
