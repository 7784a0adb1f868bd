package driftdb

import "fmt"

// FieldType enumerates the JSON types a schema field may declare.
type FieldType string

const (
	// FieldTypeString is a JSON string.
	FieldTypeString FieldType = "string"
	// FieldTypeNumber is any JSON number.
	FieldTypeNumber FieldType = "number"
	// FieldTypeInteger is a JSON number without a fractional part.
	FieldTypeInteger FieldType = "integer"
	// FieldTypeBoolean is a JSON boolean.
	FieldTypeBoolean FieldType = "boolean"
	// FieldTypeObject is a JSON object.
	FieldTypeObject FieldType = "object"
	// FieldTypeArray is a JSON array.
	FieldTypeArray FieldType = "array"
)

// Schema describes the documents of a collection: the primary key path,
// declared field types and required fields. It intentionally covers only the
// subset of JSON-Schema the replication engine needs for dev-mode checks.
type Schema struct {
	Title      string               `json:"title" yaml:"title"`
	Version    int                  `json:"version" yaml:"version"`
	PrimaryKey string               `json:"primaryKey" yaml:"primary_key"`
	Fields     map[string]FieldType `json:"fields,omitempty" yaml:"fields,omitempty"`
	Required   []string             `json:"required,omitempty" yaml:"required,omitempty"`
}

// PrimaryPath returns the top-level field holding the document's primary key.
func (s *Schema) PrimaryPath() string {
	return s.PrimaryKey
}

// Validate checks a document against the schema. The _rev and _deleted
// metadata fields are checked for their fixed types (_attachments is not
// checked); unknown user fields are allowed.
func (s *Schema) Validate(doc DocumentData) error {
	if doc == nil {
		return fmt.Errorf("%w: document is nil", ErrSchemaValidation)
	}
	if _, ok := doc.Primary(s.PrimaryKey); !ok {
		return fmt.Errorf("%w: field %q must be a non-empty string", ErrSchemaValidation, s.PrimaryKey)
	}
	for _, field := range s.Required {
		if _, ok := doc[field]; !ok {
			return fmt.Errorf("%w: missing required field %q", ErrSchemaValidation, field)
		}
	}
	for field, typ := range s.Fields {
		value, ok := doc[field]
		if !ok || value == nil {
			continue
		}
		if !matchesFieldType(value, typ) {
			return fmt.Errorf("%w: field %q is not of type %s", ErrSchemaValidation, field, typ)
		}
	}
	if rev, ok := doc[MetaFieldRev]; ok {
		if _, isString := rev.(string); !isString {
			return fmt.Errorf("%w: field %q must be a string", ErrSchemaValidation, MetaFieldRev)
		}
	}
	if del, ok := doc[MetaFieldDeleted]; ok {
		if _, isBool := del.(bool); !isBool {
			return fmt.Errorf("%w: field %q must be a boolean", ErrSchemaValidation, MetaFieldDeleted)
		}
	}
	return nil
}

func matchesFieldType(value any, typ FieldType) bool {
	switch typ {
	case FieldTypeString:
		_, ok := value.(string)
		return ok
	case FieldTypeNumber:
		return isJSONNumber(value)
	case FieldTypeInteger:
		switch n := value.(type) {
		case int, int32, int64, uint, uint32, uint64:
			return true
		case float64:
			return n == float64(int64(n))
		case float32:
			return n == float32(int32(n))
		default:
			return false
		}
	case FieldTypeBoolean:
		_, ok := value.(bool)
		return ok
	case FieldTypeObject:
		switch value.(type) {
		case map[string]any, DocumentData:
			return true
		default:
			return false
		}
	case FieldTypeArray:
		_, ok := value.([]any)
		return ok
	default:
		return false
	}
}

func isJSONNumber(value any) bool {
	switch value.(type) {
	case float64, float32, int, int32, int64, uint, uint32, uint64:
		return true
	default:
		return false
	}
}
