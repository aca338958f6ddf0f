package reconciler

import (
	"testing"
	"time"

	"github.com/cuemby/meridian/pkg/secure"
	"github.com/stretchr/testify/require"
)

func TestReconcilerStartStopIsSafeAndIdempotent(t *testing.T) {
	rec := New(secure.NewRegistry()).WithInterval(5 * time.Millisecond)
	rec.Start()
	rec.Start() // second Start before Stop must be a no-op, not a double-close panic
	time.Sleep(20 * time.Millisecond)
	rec.Stop()
	rec.Stop() // second Stop must also be a no-op
}

func TestReconcileOnEmptyRegistryDoesNotPanic(t *testing.T) {
	reg := secure.NewRegistry()
	rec := New(reg)

	require.NotPanics(t, func() { rec.reconcile() })
}
