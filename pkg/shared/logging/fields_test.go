package logging

import (
	"errors"
	"testing"
	"time"
)

func TestNewFields(t *testing.T) {
	fields := NewFields()
	if fields == nil {
		t.Fatal("NewFields() returned nil")
	}
	if len(fields) != 0 {
		t.Errorf("NewFields() should be empty, got %d fields", len(fields))
	}
}

func TestFields_Component(t *testing.T) {
	fields := NewFields().Component("request-manager")
	if fields["component"] != "request-manager" {
		t.Errorf("Component() = %v, want %v", fields["component"], "request-manager")
	}
}

func TestFields_Operation(t *testing.T) {
	fields := NewFields().Operation("create_request")
	if fields["operation"] != "create_request" {
		t.Errorf("Operation() = %v, want %v", fields["operation"], "create_request")
	}
}

func TestFields_Resource(t *testing.T) {
	fields := NewFields().Resource("request", "req-123")
	if fields["resource_type"] != "request" {
		t.Errorf("Resource() resource_type = %v, want %v", fields["resource_type"], "request")
	}
	if fields["resource_name"] != "req-123" {
		t.Errorf("Resource() resource_name = %v, want %v", fields["resource_name"], "req-123")
	}
}

func TestFields_ResourceWithoutName(t *testing.T) {
	fields := NewFields().Resource("request", "")
	if _, exists := fields["resource_name"]; exists {
		t.Error("Resource() should not set resource_name when empty")
	}
}

func TestFields_Duration(t *testing.T) {
	d := 150 * time.Millisecond
	fields := NewFields().Duration(d)
	if fields["duration"] != d {
		t.Errorf("Duration() = %v, want %v", fields["duration"], d)
	}
}

func TestFields_Error(t *testing.T) {
	err := errors.New("boom")
	fields := NewFields().Error(err)
	if fields["error"] != "boom" {
		t.Errorf("Error() = %v, want %v", fields["error"], "boom")
	}
}

func TestFields_Chaining(t *testing.T) {
	fields := NewFields().
		Component("clock").
		Operation("fire").
		RequestID("req-1").
		TierIndex(2).
		Approver("alice")

	if fields["component"] != "clock" || fields["tier_index"] != 2 || fields["approver"] != "alice" {
		t.Errorf("chained fields incomplete: %#v", fields)
	}
}

func TestFields_KeysAndValues(t *testing.T) {
	fields := NewFields().Component("delivery-log").RequestID("req-1")
	kv := fields.KeysAndValues()

	if len(kv) != 4 {
		t.Fatalf("KeysAndValues() returned %d elements, want 4", len(kv))
	}

	got := make(map[interface{}]interface{}, 2)
	for i := 0; i < len(kv); i += 2 {
		got[kv[i]] = kv[i+1]
	}
	if got["component"] != "delivery-log" || got["request_id"] != "req-1" {
		t.Errorf("KeysAndValues() = %v, want component=delivery-log request_id=req-1", got)
	}
}
