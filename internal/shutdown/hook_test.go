package shutdown

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/duskwarden/duskwarden/internal/keyword"
	"github.com/duskwarden/duskwarden/internal/phase"
)

// TestPublishSuccessIffFinished covers §8 invariant 7.
func TestPublishSuccessIffFinished(t *testing.T) {
	gw := keyword.NewBus(nil)
	defer gw.Close()
	h := New(gw, zap.NewNop())

	h.Publish(context.Background(), phase.Finished)

	v, err := gw.Read(context.Background(), keyword.KeyStatus)
	if err != nil {
		t.Fatalf("Read(KeyStatus) returned error: %v", err)
	}
	if s, _ := v.AsString(); s != "Exited/Success" {
		t.Fatalf("STATUS = %q, want Exited/Success", s)
	}
}

func TestPublishFailureWhenNotFinished(t *testing.T) {
	gw := keyword.NewBus(nil)
	defer gw.Close()
	h := New(gw, zap.NewNop())

	h.Publish(context.Background(), phase.CalPost)

	v, err := gw.Read(context.Background(), keyword.KeyStatus)
	if err != nil {
		t.Fatalf("Read(KeyStatus) returned error: %v", err)
	}
	if s, _ := v.AsString(); s != "Exited/Failure" {
		t.Fatalf("STATUS = %q, want Exited/Failure", s)
	}
}

// TestPublishIsIdempotent covers the "a second call is a no-op" guarantee:
// once published as Failure, a later Publish(Finished) does not overwrite it.
func TestPublishIsIdempotent(t *testing.T) {
	gw := keyword.NewBus(nil)
	defer gw.Close()
	h := New(gw, zap.NewNop())

	h.Publish(context.Background(), phase.CalPost)
	h.Publish(context.Background(), phase.Finished)

	v, err := gw.Read(context.Background(), keyword.KeyStatus)
	if err != nil {
		t.Fatalf("Read(KeyStatus) returned error: %v", err)
	}
	if s, _ := v.AsString(); s != "Exited/Failure" {
		t.Fatalf("STATUS = %q after second Publish, want it to remain Exited/Failure", s)
	}
}
