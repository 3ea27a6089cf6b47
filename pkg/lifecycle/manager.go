package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/kmwilder/proofroom-backend/pkg/config"
	apperrors "github.com/kmwilder/proofroom-backend/pkg/errors"
	"github.com/kmwilder/proofroom-backend/pkg/logger"
	"github.com/kmwilder/proofroom-backend/pkg/metrics"
)

// Kind labels a tracked resource category. Each kind has its own global cap.
type Kind string

const (
	KindStream     Kind = "stream"
	KindTempFile   Kind = "temp_file"
	KindConnection Kind = "connection"
	KindMultipart  Kind = "multipart_upload"
	KindMemory     Kind = "memory"
)

// ReleaseFunc tears down one tracked resource. It is invoked at most once.
type ReleaseFunc func() error

// Manager tracks every resource acquired on behalf of in-flight operations
// and guarantees release even when the owning request dies. Limits are
// global, not per operation.
type Manager struct {
	cfg     config.ResourceConfig
	logger  *logger.Logger
	metrics *metrics.ResourceMetrics
	clock   func() time.Time

	mu         sync.Mutex
	operations map[uuid.UUID]*Operation
	kindCounts map[Kind]int
	memoryHeld int64
}

// NewManager builds a manager from configuration.
func NewManager(cfg config.ResourceConfig, logg *logger.Logger, m *metrics.ResourceMetrics) *Manager {
	return &Manager{
		cfg:        cfg,
		logger:     logg,
		metrics:    m,
		clock:      time.Now,
		operations: make(map[uuid.UUID]*Operation),
		kindCounts: make(map[Kind]int),
	}
}

// Begin opens a tracked operation. It fails when the manager is already at
// its operation cap, naming the cap in the error so operators can see which
// limit was hit.
func (m *Manager) Begin(ctx context.Context, name string) (*Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.MaxOperations > 0 && len(m.operations) >= m.cfg.MaxOperations {
		return nil, apperrors.New(apperrors.CodeSystem,
			fmt.Sprintf("operation limit reached (%d active, max %d)", len(m.operations), m.cfg.MaxOperations))
	}

	op := &Operation{
		id:        uuid.New(),
		name:      name,
		manager:   m,
		startedAt: m.clock(),
		resources: make(map[uuid.UUID]*trackedResource),
	}
	m.operations[op.id] = op
	return op, nil
}

// ActiveOperations returns the number of open operations.
func (m *Manager) ActiveOperations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.operations)
}

// ActiveByKind returns the number of live resources of one kind.
func (m *Manager) ActiveByKind(kind Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kindCounts[kind]
}

func (m *Manager) reserve(kind Kind, size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit := m.kindLimit(kind)
	if limit > 0 && m.kindCounts[kind] >= limit {
		return apperrors.New(apperrors.CodeSystem,
			fmt.Sprintf("%s limit reached (%d active, max %d)", kind, m.kindCounts[kind], limit))
	}
	if kind == KindMemory && m.cfg.MaxTrackedMemory > 0 && m.memoryHeld+size > m.cfg.MaxTrackedMemory {
		return apperrors.New(apperrors.CodeSystem,
			fmt.Sprintf("tracked memory limit reached (%d held, %d requested, max %d)",
				m.memoryHeld, size, m.cfg.MaxTrackedMemory))
	}

	m.kindCounts[kind]++
	if kind == KindMemory {
		m.memoryHeld += size
	}
	m.metrics.SetActive(string(kind), float64(m.kindCounts[kind]))
	return nil
}

func (m *Manager) unreserve(kind Kind, size int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.kindCounts[kind] > 0 {
		m.kindCounts[kind]--
	}
	if kind == KindMemory {
		m.memoryHeld -= size
		if m.memoryHeld < 0 {
			m.memoryHeld = 0
		}
	}
	m.metrics.SetActive(string(kind), float64(m.kindCounts[kind]))
}

func (m *Manager) kindLimit(kind Kind) int {
	switch kind {
	case KindStream:
		return m.cfg.MaxStreams
	case KindTempFile:
		return m.cfg.MaxTempFiles
	case KindMultipart:
		return m.cfg.MaxMultipartUploads
	default:
		return 0
	}
}

func (m *Manager) remove(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.operations, id)
}

// Sweep force-closes operations that outlived the operation timeout plus the
// grace period. Every resource reclaimed this way is counted as a leak.
func (m *Manager) Sweep(ctx context.Context) int {
	start := m.clock()
	cutoff := start.Add(-(m.operationTimeout() + m.sweepGrace()))

	m.mu.Lock()
	var expired []*Operation
	for _, op := range m.operations {
		if op.startedAt.Before(cutoff) {
			expired = append(expired, op)
		}
	}
	m.mu.Unlock()

	reclaimed := 0
	for _, op := range expired {
		n := op.forceClose()
		reclaimed += n
		if m.logger != nil && n > 0 {
			m.logger.Warn(ctx, fmt.Sprintf("swept leaked operation %q: reclaimed %d resources", op.name, n))
		}
	}
	m.metrics.ObserveSweep(m.clock().Sub(start))
	return reclaimed
}

// StartSweeper runs Sweep on the configured interval until ctx is done.
func (m *Manager) StartSweeper(ctx context.Context) {
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep(ctx)
			}
		}
	}()
}

func (m *Manager) operationTimeout() time.Duration {
	if m.cfg.OperationTimeout <= 0 {
		return 2 * time.Minute
	}
	return m.cfg.OperationTimeout
}

func (m *Manager) sweepGrace() time.Duration {
	if m.cfg.SweepGrace <= 0 {
		return 30 * time.Second
	}
	return m.cfg.SweepGrace
}

type trackedResource struct {
	id       uuid.UUID
	kind     Kind
	size     int64
	release  ReleaseFunc
	released bool
}

// Operation groups resources acquired for one unit of work.
type Operation struct {
	id        uuid.UUID
	name      string
	manager   *Manager
	startedAt time.Time

	mu        sync.Mutex
	closed    bool
	order     []uuid.UUID
	resources map[uuid.UUID]*trackedResource
}

// ID returns the operation identifier.
func (o *Operation) ID() uuid.UUID {
	return o.id
}

// Track registers a resource and its release function, enforcing the global
// cap for its kind. The returned id can release the resource early.
func (o *Operation) Track(kind Kind, release ReleaseFunc) (uuid.UUID, error) {
	return o.TrackSized(kind, 0, release)
}

// TrackSized registers a resource that holds an accounted byte size.
func (o *Operation) TrackSized(kind Kind, size int64, release ReleaseFunc) (uuid.UUID, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return uuid.Nil, apperrors.New(apperrors.CodeSystem, "operation already closed")
	}
	if err := o.manager.reserve(kind, size); err != nil {
		return uuid.Nil, err
	}
	res := &trackedResource{
		id:      uuid.New(),
		kind:    kind,
		size:    size,
		release: release,
	}
	o.resources[res.id] = res
	o.order = append(o.order, res.id)
	return res.id, nil
}

// Release frees one tracked resource. Releasing twice is a no-op.
func (o *Operation) Release(id uuid.UUID) error {
	o.mu.Lock()
	res, ok := o.resources[id]
	if !ok || res.released {
		o.mu.Unlock()
		return nil
	}
	res.released = true
	o.mu.Unlock()

	o.manager.unreserve(res.kind, res.size)
	if res.release == nil {
		return nil
	}
	return res.release()
}

// Close releases every remaining resource in reverse acquisition order and
// removes the operation from the manager. Release errors are aggregated so
// one failure does not abandon the rest.
func (o *Operation) Close() error {
	return o.closeAll(false)
}

func (o *Operation) forceClose() int {
	o.mu.Lock()
	pending := 0
	for _, res := range o.resources {
		if !res.released {
			pending++
		}
	}
	o.mu.Unlock()

	_ = o.closeAll(true)
	return pending
}

func (o *Operation) closeAll(leaked bool) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	var remaining []*trackedResource
	for i := len(o.order) - 1; i >= 0; i-- {
		res := o.resources[o.order[i]]
		if res != nil && !res.released {
			res.released = true
			remaining = append(remaining, res)
		}
	}
	o.mu.Unlock()

	var errs error
	for _, res := range remaining {
		o.manager.unreserve(res.kind, res.size)
		if leaked {
			o.manager.metrics.IncLeak(string(res.kind))
		}
		if res.release != nil {
			if err := res.release(); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("release %s %s: %w", res.kind, res.id, err))
			}
		}
	}
	o.manager.remove(o.id)
	return errs
}
