package logging

import (
	"context"
	"testing"
)

func TestCorrelationIDRoundTrip(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "corr-1")
	if got := CorrelationID(ctx); got != "corr-1" {
		t.Fatalf("expected corr-1, got %q", got)
	}
	if got := CorrelationID(context.Background()); got != "" {
		t.Fatalf("expected empty id for bare context, got %q", got)
	}
}

func TestFromContextWithoutID(t *testing.T) {
	base := NewNop()
	if got := FromContext(context.Background(), base); got != base {
		t.Fatal("expected base logger unchanged for bare context")
	}
}
