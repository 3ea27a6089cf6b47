package lifecycle

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/multierr"

	"github.com/kmwilder/proofroom-backend/pkg/config"
)

func testResourceConfig() config.ResourceConfig {
	return config.ResourceConfig{
		MaxOperations:    2,
		MaxStreams:       2,
		MaxTempFiles:     1,
		MaxTrackedMemory: 100,
		OperationTimeout: time.Minute,
		SweepInterval:    time.Minute,
		SweepGrace:       30 * time.Second,
	}
}

func TestOperationCapRejectsWithDescriptiveError(t *testing.T) {
	m := NewManager(testResourceConfig(), nil, nil)
	ctx := context.Background()

	first, err := m.Begin(ctx, "one")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer first.Close()
	second, err := m.Begin(ctx, "two")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer second.Close()

	if _, err := m.Begin(ctx, "three"); err == nil {
		t.Fatal("expected operation cap rejection")
	} else if got := err.Error(); !strings.Contains(got, "max 2") {
		t.Fatalf("expected cap named in error, got %q", got)
	}
}

func TestStreamCapIsGlobalAcrossOperations(t *testing.T) {
	m := NewManager(testResourceConfig(), nil, nil)
	ctx := context.Background()

	a, _ := m.Begin(ctx, "a")
	defer a.Close()
	b, _ := m.Begin(ctx, "b")
	defer b.Close()

	if _, err := a.Track(KindStream, nil); err != nil {
		t.Fatalf("track: %v", err)
	}
	if _, err := b.Track(KindStream, nil); err != nil {
		t.Fatalf("track: %v", err)
	}
	if _, err := a.Track(KindStream, nil); err == nil {
		t.Fatal("expected global stream cap to reject third stream")
	}
}

func TestReleaseIsExactlyOnce(t *testing.T) {
	m := NewManager(testResourceConfig(), nil, nil)
	op, _ := m.Begin(context.Background(), "op")

	calls := 0
	id, err := op.Track(KindStream, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("track: %v", err)
	}

	if err := op.Release(id); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := op.Release(id); err != nil {
		t.Fatalf("double release: %v", err)
	}
	if err := op.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one release call, got %d", calls)
	}
	if got := m.ActiveByKind(KindStream); got != 0 {
		t.Fatalf("expected 0 active streams, got %d", got)
	}
}

func TestCloseAggregatesReleaseErrors(t *testing.T) {
	m := NewManager(testResourceConfig(), nil, nil)
	op, _ := m.Begin(context.Background(), "op")

	var order []string
	if _, err := op.Track(KindStream, func() error {
		order = append(order, "first")
		return errors.New("first failed")
	}); err != nil {
		t.Fatalf("track: %v", err)
	}
	if _, err := op.Track(KindTempFile, func() error {
		order = append(order, "second")
		return errors.New("second failed")
	}); err != nil {
		t.Fatalf("track: %v", err)
	}

	err := op.Close()
	if err == nil {
		t.Fatal("expected aggregated error")
	}
	if got := len(multierr.Errors(err)); got != 2 {
		t.Fatalf("expected 2 aggregated errors, got %d: %v", got, err)
	}
	// Reverse acquisition order.
	if len(order) != 2 || order[0] != "second" || order[1] != "first" {
		t.Fatalf("expected reverse release order, got %v", order)
	}
	if got := m.ActiveOperations(); got != 0 {
		t.Fatalf("expected operation removed, got %d active", got)
	}
}

func TestMemoryCapCountsBytes(t *testing.T) {
	m := NewManager(testResourceConfig(), nil, nil)
	op, _ := m.Begin(context.Background(), "op")
	defer op.Close()

	if _, err := op.TrackSized(KindMemory, 80, nil); err != nil {
		t.Fatalf("track: %v", err)
	}
	if _, err := op.TrackSized(KindMemory, 30, nil); err == nil {
		t.Fatal("expected memory cap rejection")
	}
	if _, err := op.TrackSized(KindMemory, 20, nil); err != nil {
		t.Fatalf("track within budget: %v", err)
	}
}

func TestSweepReclaimsExpiredOperations(t *testing.T) {
	m := NewManager(testResourceConfig(), nil, nil)
	now := time.Now()
	m.clock = func() time.Time { return now }

	op, _ := m.Begin(context.Background(), "stale")
	released := false
	if _, err := op.Track(KindStream, func() error {
		released = true
		return nil
	}); err != nil {
		t.Fatalf("track: %v", err)
	}

	// Inside timeout+grace: nothing happens.
	now = now.Add(time.Minute)
	if got := m.Sweep(context.Background()); got != 0 {
		t.Fatalf("expected no reclaim inside grace, got %d", got)
	}

	now = now.Add(time.Minute)
	if got := m.Sweep(context.Background()); got != 1 {
		t.Fatalf("expected 1 reclaimed resource, got %d", got)
	}
	if !released {
		t.Fatal("expected sweep to run release func")
	}
	if got := m.ActiveOperations(); got != 0 {
		t.Fatalf("expected swept operation removed, got %d", got)
	}
}
