package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultDash(t *testing.T) {
	if got := TraceID(context.Background()); got != "-" {
		t.Fatalf("expected '-', got %q", got)
	}
	ctx := WithTraceID(context.Background(), "abc")
	if got := TraceID(ctx); got != "abc" {
		t.Fatalf("expected abc, got %q", got)
	}
}

func TestEnvironment_RoundTrip(t *testing.T) {
	p, e := Environment(context.Background())
	if p != "" || e != "" {
		t.Fatalf("expected empty pair, got %q/%q", p, e)
	}
	ctx := WithEnvironment(context.Background(), "shop", "feat-1")
	p, e = Environment(ctx)
	if p != "shop" || e != "feat-1" {
		t.Fatalf("unexpected pair %q/%q", p, e)
	}
}

func TestConnID_RoundTrip(t *testing.T) {
	if got := ConnID(context.Background()); got != "" {
		t.Fatalf("expected empty conn id, got %q", got)
	}
	id := NewConnID()
	if got := ConnID(WithConnID(context.Background(), id)); got != id {
		t.Fatalf("expected %q, got %q", id, got)
	}
	if NewTraceID() == NewTraceID() {
		t.Fatalf("expected unique trace ids")
	}
}
