package metrics

import (
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("customer_id", "123"),
		attribute.String("request_id", "456"),
		attribute.String("usage_type", "DATA"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	if attrs[0].Key != "customer_id" && attrs[1].Key != "customer_id" {
		t.Fatalf("expected customer_id to be retained")
	}
	if attrs[0].Key != "usage_type" && attrs[1].Key != "usage_type" {
		t.Fatalf("expected usage_type to be retained")
	}
}
