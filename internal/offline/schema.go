package offline

import (
	"sync"

	"github.com/retailsync/retailsync/pkg/errors"
	"github.com/retailsync/retailsync/pkg/types"
)

// FieldType constrains a payload field's shape. Payloads are decoded JSON,
// so numbers arrive as float64 and objects as map[string]interface{}.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldNumber FieldType = "number"
	FieldBool   FieldType = "bool"
	FieldObject FieldType = "object"
	FieldArray  FieldType = "array"
	FieldAny    FieldType = "any"
)

// Schema describes the acceptable payload for one resource.
type Schema struct {
	// Required lists fields that must be present for create operations.
	Required []string

	// Fields maps known field names to their expected types. Unknown
	// fields pass through unchecked; the remote service owns full
	// validation.
	Fields map[string]FieldType
}

// Registry validates mutation payloads before they enter the queue.
// Catching malformed payloads at enqueue time beats burning delivery
// retries on mutations the server will always reject.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]Schema
}

// NewRegistry creates an empty schema registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]Schema)}
}

// Register installs the schema for a resource, replacing any previous one.
func (r *Registry) Register(resource string, schema Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[resource] = schema
}

// Validate checks a mutation against the registered schema. Resources
// without a schema pass; update and delete always require an id.
func (r *Registry) Validate(resource string, kind types.OperationKind, payload map[string]interface{}) error {
	if kind == types.OpUpdate || kind == types.OpDelete {
		if _, ok := payload["id"]; !ok {
			return errors.Newf(errors.ErrCodeValidationFailed, "%s requires an id field", kind).
				WithComponent("offline").WithResource(resource)
		}
	}

	r.mu.RLock()
	schema, registered := r.schemas[resource]
	r.mu.RUnlock()
	if !registered {
		return nil
	}

	if kind == types.OpCreate {
		for _, field := range schema.Required {
			if _, ok := payload[field]; !ok {
				return errors.Newf(errors.ErrCodeValidationFailed, "missing required field %q", field).
					WithComponent("offline").WithResource(resource)
			}
		}
	}

	for name, value := range payload {
		want, known := schema.Fields[name]
		if !known || want == FieldAny || value == nil {
			continue
		}
		if !matchesType(value, want) {
			return errors.Newf(errors.ErrCodeValidationFailed, "field %q must be %s", name, want).
				WithComponent("offline").WithResource(resource)
		}
	}
	return nil
}

func matchesType(value interface{}, want FieldType) bool {
	switch want {
	case FieldString:
		_, ok := value.(string)
		return ok
	case FieldNumber:
		switch value.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case FieldBool:
		_, ok := value.(bool)
		return ok
	case FieldObject:
		_, ok := value.(map[string]interface{})
		return ok
	case FieldArray:
		_, ok := value.([]interface{})
		return ok
	default:
		return true
	}
}
