// Package logging provides a small structured-field builder layered
// over zap, so call sites compose log context (component, operation,
// request id, tier index, approver) without ad hoc string formatting.
package logging

import "time"

// Fields is an unordered set of structured log fields.
type Fields map[string]interface{}

// NewFields returns an empty field set.
func NewFields() Fields {
	return Fields{}
}

// Component sets the component field.
func (f Fields) Component(name string) Fields {
	f["component"] = name
	return f
}

// Operation sets the operation field.
func (f Fields) Operation(op string) Fields {
	f["operation"] = op
	return f
}

// Resource sets resource_type and, if non-empty, resource_name.
func (f Fields) Resource(resourceType, resourceName string) Fields {
	f["resource_type"] = resourceType
	if resourceName != "" {
		f["resource_name"] = resourceName
	}
	return f
}

// Duration sets the duration field.
func (f Fields) Duration(d time.Duration) Fields {
	f["duration"] = d
	return f
}

// Error sets the error field.
func (f Fields) Error(err error) Fields {
	if err != nil {
		f["error"] = err.Error()
	}
	return f
}

// RequestID sets the request_id field.
func (f Fields) RequestID(id string) Fields {
	f["request_id"] = id
	return f
}

// TierIndex sets the tier_index field.
func (f Fields) TierIndex(idx int) Fields {
	f["tier_index"] = idx
	return f
}

// Approver sets the approver field.
func (f Fields) Approver(subject string) Fields {
	f["approver"] = subject
	return f
}

// Version sets the version field.
func (f Fields) Version(v int64) Fields {
	f["version"] = v
	return f
}

// KeysAndValues flattens the field set into the alternating
// key/value pairs a zap.SugaredLogger call (Errorw, Warnw, Infow)
// expects, so call sites can build up context with the Fields
// builder without giving up the sugared logging API used throughout
// the rest of the service.
func (f Fields) KeysAndValues() []interface{} {
	out := make([]interface{}, 0, len(f)*2)
	for k, v := range f {
		out = append(out, k, v)
	}
	return out
}
