package cronrunner

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestWrapRecoversPanic(t *testing.T) {
	r := New(zap.NewNop(), context.Background())

	ran := false
	fn := r.wrap("boom", func(context.Context) {
		ran = true
		panic("job failure")
	})
	fn()

	if !ran {
		t.Fatalf("job did not run")
	}
}

func TestWrapPassesBaseContext(t *testing.T) {
	type key struct{}
	base := context.WithValue(context.Background(), key{}, "tick")
	r := New(zap.NewNop(), base)

	var got any
	r.wrap("tick", func(ctx context.Context) {
		got = ctx.Value(key{})
	})()

	if got != "tick" {
		t.Fatalf("expected base context value, got %v", got)
	}
}
