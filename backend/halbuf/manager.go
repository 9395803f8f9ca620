package halbuf

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/bufcache"
)

// Manager errors.
var (
	// ErrNoHalDevice is returned by NewFromProvider when the provider does
	// not expose a hal.Device.
	ErrNoHalDevice = errors.New("halbuf: provider does not expose a HAL device")

	// ErrDestroyed is returned when creating buffers on a destroyed manager.
	ErrDestroyed = fmt.Errorf("halbuf: %w", bufcache.ErrClosed)
)

// DefaultAlignment is the alignment of buffers created without an explicit
// one. It matches the minimum uniform and storage buffer offset alignment
// WebGPU guarantees.
const DefaultAlignment = 256

// DefaultMapTimeout bounds how long a blocking map waits for the GPU.
const DefaultMapTimeout = 5 * time.Second

// Config configures a Manager.
type Config struct {
	// Budget is the maximum device memory in bytes.
	// Defaults to DefaultBudget if below MinBudget.
	Budget uint64

	// MapTimeout bounds blocking maps. Defaults to DefaultMapTimeout.
	MapTimeout time.Duration

	// Label prefixes the debug label of every buffer.
	Label string
}

// Option configures a Manager during creation.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets a dedicated logger for the manager.
// By default the manager logs through bufcache.Logger().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func (o *options) log() *slog.Logger {
	if o.logger != nil {
		return o.logger
	}
	return bufcache.Logger()
}

// Manager creates one hal.Buffer per request within a memory budget.
// It implements bufcache.Manager and bufcache.BusyChecker.
//
// Manager is safe for concurrent use.
type Manager struct {
	device     hal.Device
	budget     *budget
	mapTimeout time.Duration
	label      string
	opts       options

	mu     sync.Mutex
	closed bool
}

// New creates a manager allocating from device.
func New(device hal.Device, cfg Config, opts ...Option) *Manager {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	timeout := cfg.MapTimeout
	if timeout <= 0 {
		timeout = DefaultMapTimeout
	}
	label := cfg.Label
	if label == "" {
		label = "bufcache"
	}
	return &Manager{
		device:     device,
		budget:     newBudget(cfg.Budget),
		mapTimeout: timeout,
		label:      label,
		opts:       o,
	}
}

// NewFromProvider creates a manager on the device shared by a host
// application. The provider must implement HalDevice() any returning a
// hal.Device, as gogpu does.
func NewFromProvider(provider gpucontext.DeviceProvider, cfg Config, opts ...Option) (*Manager, error) {
	type halProvider interface {
		HalDevice() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, ErrNoHalDevice
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("%w: HalDevice returned %T", ErrNoHalDevice, hp.HalDevice())
	}

	m := New(device, cfg, opts...)
	info := provider.AdapterInfo()
	m.opts.log().Info("halbuf: using shared device",
		"adapter", info.Name, "type", info.Type.String(), "budget", m.budget.total)
	return m, nil
}

// Device returns the HAL device buffers are allocated from.
func (m *Manager) Device() hal.Device { return m.device }

// CreateBuffer allocates a device buffer of size bytes.
// It fails with an error wrapping bufcache.ErrOutOfMemory when the budget
// or the device is exhausted.
func (m *Manager) CreateBuffer(size uint64, desc bufcache.Desc) (bufcache.Buffer, error) {
	if size == 0 {
		return nil, fmt.Errorf("halbuf: create buffer: %w", bufcache.ErrInvalidSize)
	}
	if !bufcache.ValidAlignment(desc.Alignment) {
		return nil, fmt.Errorf("halbuf: create buffer: %w: %d", bufcache.ErrInvalidAlignment, desc.Alignment)
	}

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrDestroyed
	}

	alignment := desc.Alignment
	if alignment < DefaultAlignment {
		alignment = DefaultAlignment
	}
	// WebGPU requires mapped sizes to be a multiple of 4.
	size = bufcache.AlignUp(size, 4)

	if err := m.budget.reserve(size); err != nil {
		return nil, err
	}

	raw, err := m.device.CreateBuffer(&hal.BufferDescriptor{
		Label: m.label,
		Size:  size,
		Usage: BufferUsage(desc.Usage),
	})
	if err != nil {
		m.budget.release(size)
		if errors.Is(err, hal.ErrDeviceOutOfMemory) {
			return nil, fmt.Errorf("halbuf: create %d-byte buffer: %w: %w", size, bufcache.ErrOutOfMemory, err)
		}
		return nil, fmt.Errorf("halbuf: create %d-byte buffer: %w", size, err)
	}

	b := &Buffer{m: m, raw: raw}
	b.Init(size, alignment, desc.Usage, desc.Placement)
	return b, nil
}

// IsBufferBusy reports whether the GPU may still use buf.
func (m *Manager) IsBufferBusy(buf bufcache.Buffer) bool {
	b, ok := buf.(*Buffer)
	if !ok {
		return false
	}
	return b.busy()
}

// Flush is a no-op: the manager holds no memory beyond live buffers.
func (m *Manager) Flush() {}

// Destroy marks the manager destroyed. Live buffers stay valid until
// released; the device itself belongs to the caller.
func (m *Manager) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	if st := m.budget.stats(); st.Buffers > 0 {
		m.opts.log().Warn("halbuf: manager destroyed with live buffers",
			"buffers", st.Buffers, "bytes", st.UsedBytes)
	}
}

// Stats returns device memory statistics.
func (m *Manager) Stats() MemoryStats {
	return m.budget.stats()
}
