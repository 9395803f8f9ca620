package manager

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gogpu/bufcache"
	"github.com/gogpu/bufcache/cache"
)

// fakeBuffer is a provider allocation backed by a byte slice.
type fakeBuffer struct {
	bufcache.Base
	p         *fakeProvider
	data      []byte
	busy      bool
	mapped    bool
	destroyed int
}

func (b *fakeBuffer) Map(usage bufcache.Usage, _ bufcache.Flusher) ([]byte, error) {
	if b.busy && usage.Contains(bufcache.UsageDontBlock) {
		return nil, bufcache.ErrBusy
	}
	b.mapped = true
	return b.data, nil
}

func (b *fakeBuffer) Unmap()                                            { b.mapped = false }
func (b *fakeBuffer) Validate(bufcache.Validator, bufcache.Usage) error { return nil }
func (b *fakeBuffer) Fence(bufcache.Fence)                              {}
func (b *fakeBuffer) BaseBuffer() (bufcache.Buffer, uint64)             { return b, 0 }

func (b *fakeBuffer) Destroy() {
	b.destroyed++
	b.p.mu.Lock()
	b.p.destroyed++
	b.p.live -= b.Size()
	b.p.mu.Unlock()
}

// fakeProvider is a provider manager with an optional memory limit.
type fakeProvider struct {
	mu        sync.Mutex
	created   int
	destroyed int
	live      uint64
	limit     uint64
	failNext  int
	flushes   int
	destroys  int
}

func (p *fakeProvider) CreateBuffer(size uint64, desc bufcache.Desc) (bufcache.Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failNext > 0 {
		p.failNext--
		return nil, bufcache.ErrOutOfMemory
	}
	if p.limit > 0 && p.live+size > p.limit {
		return nil, bufcache.ErrOutOfMemory
	}
	b := &fakeBuffer{p: p, data: make([]byte, size)}
	b.Init(size, desc.Alignment, desc.Usage, desc.Placement)
	p.created++
	p.live += size
	return b, nil
}

func (p *fakeProvider) Flush()   { p.flushes++ }
func (p *fakeProvider) Destroy() { p.destroys++ }

// busyProvider adds a busy query to fakeProvider.
type busyProvider struct {
	fakeProvider
	queries int
}

func (p *busyProvider) IsBufferBusy(buf bufcache.Buffer) bool {
	p.queries++
	return buf.(*fakeBuffer).busy
}

func testConfig() cache.Config {
	return cache.Config{
		Heaps:       2,
		Timeout:     time.Minute,
		SizeFactor:  2,
		BypassUsage: bufcache.UsagePersistent,
		MaxSize:     4 << 20,
	}
}

var gpuDesc = bufcache.Desc{Alignment: 256, Usage: bufcache.UsageGPURead}

func mustCreate(t *testing.T, m *Cached, size uint64, desc bufcache.Desc) bufcache.Buffer {
	t.Helper()
	buf, err := m.CreateBuffer(size, desc)
	if err != nil {
		t.Fatalf("CreateBuffer(%d): %v", size, err)
	}
	if n := buf.Refs().Load(); n != 1 {
		t.Fatalf("expected 1 reference on a new buffer, got %d", n)
	}
	return buf
}

func innerOf(t *testing.T, buf bufcache.Buffer) *fakeBuffer {
	t.Helper()
	base, off := buf.BaseBuffer()
	if off != 0 {
		t.Fatalf("unexpected offset %d", off)
	}
	return base.(*fakeBuffer)
}

func TestReleasedBufferIsReused(t *testing.T) {
	p := &fakeProvider{}
	m := NewCached(p, testConfig())

	a := mustCreate(t, m, 64<<10, gpuDesc)
	bufcache.Release(a)
	if p.destroyed != 0 {
		t.Fatal("released buffer was destroyed instead of cached")
	}
	if got := m.Stats().Buffers; got != 1 {
		t.Fatalf("expected 1 cached buffer, got %d", got)
	}

	b := mustCreate(t, m, 50000, gpuDesc)
	if b != a {
		t.Error("expected the cached buffer to be reused")
	}
	if p.created != 1 {
		t.Errorf("expected 1 provider allocation, got %d", p.created)
	}
	if b.Size() != 64<<10 {
		t.Errorf("expected size %d, got %d", 64<<10, b.Size())
	}
}

func TestCreateRoundsToAlignment(t *testing.T) {
	m := NewCached(&fakeProvider{}, testConfig())

	buf := mustCreate(t, m, 1000, gpuDesc)
	if buf.Size() != 1024 {
		t.Errorf("expected 1024 bytes, got %d", buf.Size())
	}
	if buf.Alignment() != 256 {
		t.Errorf("expected alignment 256, got %d", buf.Alignment())
	}
}

func TestCreateRejectsBadRequests(t *testing.T) {
	m := NewCached(&fakeProvider{}, testConfig())

	tests := []struct {
		name string
		size uint64
		desc bufcache.Desc
		want error
	}{
		{"zero size", 0, gpuDesc, bufcache.ErrInvalidSize},
		{"bad alignment", 64, bufcache.Desc{Alignment: 48}, bufcache.ErrInvalidAlignment},
		{"heap out of range", 64, bufcache.Desc{Heap: 2}, ErrInvalidHeap},
		{"negative heap", 64, bufcache.Desc{Heap: -1}, ErrInvalidHeap},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.CreateBuffer(tt.size, tt.desc)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestBypassUsageGoesToProvider(t *testing.T) {
	p := &fakeProvider{}
	m := NewCached(p, testConfig())

	desc := bufcache.Desc{Usage: bufcache.UsageCPUWrite | bufcache.UsagePersistent}
	buf := mustCreate(t, m, 4096, desc)
	if _, ok := buf.(*fakeBuffer); !ok {
		t.Fatalf("expected a provider buffer, got %T", buf)
	}

	bufcache.Release(buf)
	if p.destroyed != 1 {
		t.Errorf("expected bypass buffer destroyed on release, got %d destroyed", p.destroyed)
	}
	if m.Stats().Buffers != 0 {
		t.Error("bypass buffer entered the cache")
	}
}

func TestHeapsAreSeparate(t *testing.T) {
	p := &fakeProvider{}
	m := NewCached(p, testConfig())

	bufcache.Release(mustCreate(t, m, 4096, gpuDesc))

	other := gpuDesc
	other.Heap = 1
	buf := mustCreate(t, m, 4096, other)
	if p.created != 2 {
		t.Errorf("expected a new allocation for another heap, got %d allocations", p.created)
	}
	bufcache.Release(buf)

	if got := m.Stats().BucketBuffers; got[0] != 1 || got[1] != 1 {
		t.Errorf("expected one buffer per bucket, got %v", got)
	}
}

func TestProviderOOMEmptiesCacheAndRetries(t *testing.T) {
	p := &fakeProvider{limit: 1 << 20}
	m := NewCached(p, testConfig())

	bufcache.Release(mustCreate(t, m, 512<<10, gpuDesc))

	// Too large for the cached buffer and too large to fit next to it.
	buf := mustCreate(t, m, 768<<10, gpuDesc)
	if p.destroyed != 1 {
		t.Errorf("expected the cached buffer destroyed to make room, got %d destroyed", p.destroyed)
	}
	if m.Stats().Buffers != 0 {
		t.Error("expected an empty cache after the retry")
	}
	if buf.Size() != 768<<10 {
		t.Errorf("unexpected size %d", buf.Size())
	}
}

func TestProviderOOMAfterRetry(t *testing.T) {
	p := &fakeProvider{failNext: 2}
	m := NewCached(p, testConfig())

	_, err := m.CreateBuffer(4096, gpuDesc)
	if !errors.Is(err, bufcache.ErrOutOfMemory) {
		t.Fatalf("expected ErrOutOfMemory, got %v", err)
	}

	p.failNext = 1
	mustCreate(t, m, 4096, gpuDesc)
}

func TestEvict(t *testing.T) {
	p := &fakeProvider{}
	m := NewCached(p, testConfig())

	buf := mustCreate(t, m, 4096, gpuDesc)
	if !m.Evict(buf) {
		t.Fatal("Evict rejected its own buffer")
	}
	inner := innerOf(t, buf)
	bufcache.Release(buf)
	if inner.destroyed != 1 {
		t.Errorf("expected evicted buffer destroyed, got %d", inner.destroyed)
	}
	if m.Stats().Buffers != 0 {
		t.Error("evicted buffer entered the cache")
	}

	other := NewCached(&fakeProvider{}, testConfig())
	foreign := mustCreate(t, other, 4096, gpuDesc)
	if m.Evict(foreign) {
		t.Error("Evict accepted a buffer of another manager")
	}
	if m.Evict(inner) {
		t.Error("Evict accepted a provider buffer")
	}
}

func TestBusyBufferProbedWithMap(t *testing.T) {
	p := &fakeProvider{}
	m := NewCached(p, testConfig())

	a := mustCreate(t, m, 4096, gpuDesc)
	inner := innerOf(t, a)
	inner.busy = true
	bufcache.Release(a)

	b := mustCreate(t, m, 4096, gpuDesc)
	if b == a {
		t.Fatal("busy buffer was reused")
	}

	inner.busy = false
	c := mustCreate(t, m, 4096, gpuDesc)
	if c != a {
		t.Error("idle buffer was not reused")
	}
	if inner.mapped {
		t.Error("probe left the buffer mapped")
	}
}

func TestBusyCheckerPreferred(t *testing.T) {
	p := &busyProvider{}
	m := NewCached(p, testConfig())

	a := mustCreate(t, m, 4096, gpuDesc)
	innerOf(t, a).busy = true
	bufcache.Release(a)

	if b := mustCreate(t, m, 4096, gpuDesc); b == a {
		t.Fatal("busy buffer was reused")
	}
	if p.queries != 1 {
		t.Errorf("expected 1 busy query, got %d", p.queries)
	}
}

func TestRetainKeepsBufferOutOfCache(t *testing.T) {
	m := NewCached(&fakeProvider{}, testConfig())

	buf := mustCreate(t, m, 4096, gpuDesc)
	bufcache.Retain(buf)
	bufcache.Release(buf)
	if m.Stats().Buffers != 0 {
		t.Fatal("buffer cached while still referenced")
	}
	bufcache.Release(buf)
	if m.Stats().Buffers != 1 {
		t.Error("buffer not cached after the last release")
	}
}

func TestMapForwardsToProvider(t *testing.T) {
	m := NewCached(&fakeProvider{}, testConfig())

	buf := mustCreate(t, m, 4096, gpuDesc)
	data, err := buf.Map(bufcache.UsageCPUWrite, nil)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if len(data) != 4096 {
		t.Errorf("expected 4096 mapped bytes, got %d", len(data))
	}
	if !innerOf(t, buf).mapped {
		t.Error("provider buffer not mapped")
	}
	buf.Unmap()
	if innerOf(t, buf).mapped {
		t.Error("provider buffer still mapped")
	}
}

func TestFlush(t *testing.T) {
	p := &fakeProvider{}
	m := NewCached(p, testConfig())

	bufcache.Release(mustCreate(t, m, 4096, gpuDesc))
	bufcache.Release(mustCreate(t, m, 1<<20, gpuDesc))
	m.Flush()

	if p.destroyed != 2 {
		t.Errorf("expected 2 destroyed, got %d", p.destroyed)
	}
	if p.flushes != 1 {
		t.Errorf("expected provider flush, got %d", p.flushes)
	}
}

func TestTrim(t *testing.T) {
	p := &fakeProvider{}
	now := time.Unix(1000, 0)
	m := NewCached(p, testConfig(), WithCacheOptions(cache.WithClock(func() time.Time { return now })))

	bufcache.Release(mustCreate(t, m, 4096, gpuDesc))
	if n := m.Trim(); n != 0 {
		t.Fatalf("expected nothing to trim, got %d", n)
	}
	now = now.Add(2 * time.Minute)
	if n := m.Trim(); n != 1 {
		t.Errorf("expected 1 trimmed, got %d", n)
	}
	if p.destroyed != 1 {
		t.Errorf("expected 1 destroyed, got %d", p.destroyed)
	}
}

func TestDestroy(t *testing.T) {
	p := &fakeProvider{}
	m := NewCached(p, testConfig())

	bufcache.Release(mustCreate(t, m, 4096, gpuDesc))
	live := mustCreate(t, m, 8192, gpuDesc)
	m.Destroy()

	if p.destroys != 1 {
		t.Errorf("expected provider destroyed, got %d", p.destroys)
	}
	if p.destroyed != 1 {
		t.Errorf("expected cached buffer destroyed, got %d", p.destroyed)
	}

	bufcache.Release(live)
	if p.destroyed != 2 {
		t.Errorf("expected buffer released after Destroy to be destroyed, got %d", p.destroyed)
	}
}

func TestConcurrentCreateRelease(t *testing.T) {
	p := &fakeProvider{}
	m := NewCached(p, testConfig())

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			desc := gpuDesc
			desc.Heap = g % 2
			for i := 0; i < 200; i++ {
				buf, err := m.CreateBuffer(uint64(1024*(1+i%8)), desc)
				if err != nil {
					t.Errorf("CreateBuffer: %v", err)
					return
				}
				bufcache.Release(buf)
			}
		}(g)
	}
	wg.Wait()

	m.Flush()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.created != p.destroyed {
		t.Errorf("created %d, destroyed %d", p.created, p.destroyed)
	}
}
