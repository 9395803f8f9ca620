package slab

import (
	"errors"
	"sync"
	"testing"

	"github.com/gogpu/bufcache"
)

// testEntry is a slab entry buffer handed out by testBackend.
type testEntry struct {
	bufcache.Base
	entry Entry
	busy  bool
}

func (b *testEntry) Map(bufcache.Usage, bufcache.Flusher) ([]byte, error) { return nil, nil }
func (b *testEntry) Unmap()                                               {}
func (b *testEntry) Validate(bufcache.Validator, bufcache.Usage) error    { return nil }
func (b *testEntry) Fence(bufcache.Fence)                                 {}
func (b *testEntry) BaseBuffer() (bufcache.Buffer, uint64)                { return b, 0 }
func (b *testEntry) Destroy()                                             {}

// testBackend records slab traffic.
type testBackend struct {
	mu             sync.Mutex
	entriesPerSlab int
	allocated      []*Slab
	freed          map[*Slab]int
	allocErr       error
	onAlloc        func()
}

func newTestBackend(entriesPerSlab int) *testBackend {
	return &testBackend{entriesPerSlab: entriesPerSlab, freed: make(map[*Slab]int)}
}

func (tb *testBackend) callbacks() Callbacks {
	return Callbacks{
		SlabAlloc: func(heap int, entrySize uint64, groupIndex int) (*Slab, error) {
			if tb.onAlloc != nil {
				tb.onAlloc()
			}
			if tb.allocErr != nil {
				return nil, tb.allocErr
			}
			s := NewSlab(entrySize, groupIndex, heap)
			for i := 0; i < tb.entriesPerSlab; i++ {
				b := &testEntry{}
				b.Init(entrySize, 0, bufcache.UsageGPURead, 0)
				s.AddEntry(&b.entry, b)
			}
			tb.mu.Lock()
			tb.allocated = append(tb.allocated, s)
			tb.mu.Unlock()
			return s, nil
		},
		SlabFree: func(s *Slab) {
			tb.mu.Lock()
			tb.freed[s]++
			tb.mu.Unlock()
		},
		CanReclaim: func(e *Entry) bool {
			return !e.Buffer().(*testEntry).busy
		},
	}
}

func testConfig() Config {
	return Config{MinOrder: 8, NumOrders: 8, NumHeaps: 2}
}

func newTestSlabs(t *testing.T, cfg Config, tb *testBackend) *Slabs {
	t.Helper()
	s, err := New(cfg, tb.callbacks())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func mustAlloc(t *testing.T, s *Slabs, size uint64, heap int) *Entry {
	t.Helper()
	e, err := s.Alloc(size, heap)
	if err != nil {
		t.Fatalf("Alloc(%d, %d): %v", size, heap, err)
	}
	return e
}

func TestNewValidatesConfig(t *testing.T) {
	cb := newTestBackend(1).callbacks()
	tests := []struct {
		name string
		cfg  Config
		cb   Callbacks
	}{
		{"no orders", Config{MinOrder: 8, NumHeaps: 1}, cb},
		{"negative min order", Config{MinOrder: -1, NumOrders: 2, NumHeaps: 1}, cb},
		{"too many orders", Config{MinOrder: 60, NumOrders: 4, NumHeaps: 1}, cb},
		{"no heaps", Config{MinOrder: 8, NumOrders: 2}, cb},
		{"no callbacks", testConfig(), Callbacks{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, tt.cb)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestEntrySize(t *testing.T) {
	tb := newTestBackend(4)
	plain := newTestSlabs(t, testConfig(), tb)
	cfg := testConfig()
	cfg.AllowThreeFourths = true
	threeFour := newTestSlabs(t, cfg, tb)

	tests := []struct {
		size      uint64
		plain     uint64
		threeFour uint64
	}{
		{1, 256, 192},
		{192, 256, 192},
		{193, 256, 256},
		{256, 256, 256},
		{257, 512, 384},
		{384, 512, 384},
		{385, 512, 512},
		{32 << 10, 32 << 10, 32 << 10},
		{24 << 10, 32 << 10, 24 << 10},
	}
	for _, tt := range tests {
		got, err := plain.EntrySize(tt.size)
		if err != nil || got != tt.plain {
			t.Errorf("EntrySize(%d) = %d, %v; want %d", tt.size, got, err, tt.plain)
		}
		got, err = threeFour.EntrySize(tt.size)
		if err != nil || got != tt.threeFour {
			t.Errorf("three-fourths EntrySize(%d) = %d, %v; want %d", tt.size, got, err, tt.threeFour)
		}
	}

	if got := plain.MaxEntrySize(); got != 32<<10 {
		t.Errorf("MaxEntrySize() = %d, want %d", got, 32<<10)
	}
}

func TestAllocRejectsBadRequests(t *testing.T) {
	s := newTestSlabs(t, testConfig(), newTestBackend(4))

	if _, err := s.Alloc(0, 0); !errors.Is(err, bufcache.ErrInvalidSize) {
		t.Errorf("zero size: expected ErrInvalidSize, got %v", err)
	}
	if _, err := s.Alloc(s.MaxEntrySize()+1, 0); !errors.Is(err, bufcache.ErrInvalidSize) {
		t.Errorf("oversize: expected ErrInvalidSize, got %v", err)
	}
	if _, err := s.Alloc(64, 2); !errors.Is(err, ErrInvalidHeap) {
		t.Errorf("bad heap: expected ErrInvalidHeap, got %v", err)
	}
}

func TestAllocFillsSlab(t *testing.T) {
	tb := newTestBackend(4)
	s := newTestSlabs(t, testConfig(), tb)

	seen := make(map[uint32]bool)
	var slab *Slab
	for i := 0; i < 4; i++ {
		e := mustAlloc(t, s, 200, 0)
		if slab == nil {
			slab = e.Slab()
		}
		if e.Slab() != slab {
			t.Fatalf("allocation %d came from a second slab", i)
		}
		if seen[e.Index()] {
			t.Fatalf("entry %d handed out twice", e.Index())
		}
		seen[e.Index()] = true
		if e.Buffer().Size() < 200 {
			t.Errorf("entry buffer too small: %d", e.Buffer().Size())
		}
	}
	if len(tb.allocated) != 1 {
		t.Fatalf("expected 1 slab, got %d", len(tb.allocated))
	}

	mustAlloc(t, s, 200, 0)
	if len(tb.allocated) != 2 {
		t.Fatalf("expected a second slab once the first is full, got %d", len(tb.allocated))
	}
}

func TestGroupsAreSeparate(t *testing.T) {
	tb := newTestBackend(4)
	cfg := testConfig()
	cfg.AllowThreeFourths = true
	s := newTestSlabs(t, cfg, tb)

	a := mustAlloc(t, s, 256, 0)
	b := mustAlloc(t, s, 180, 0)
	c := mustAlloc(t, s, 256, 1)
	d := mustAlloc(t, s, 512, 0)

	groups := map[int]bool{}
	for _, e := range []*Entry{a, b, c, d} {
		groups[e.Slab().GroupIndex()] = true
	}
	if len(groups) != 4 {
		t.Errorf("expected 4 distinct groups, got %d", len(groups))
	}
	if b.Slab().EntrySize() != 192 {
		t.Errorf("expected 192-byte entries for 180 bytes, got %d", b.Slab().EntrySize())
	}
}

func TestReuseBeforeGrowth(t *testing.T) {
	tb := newTestBackend(2)
	s := newTestSlabs(t, testConfig(), tb)

	a := mustAlloc(t, s, 256, 0)
	mustAlloc(t, s, 256, 0)
	s.Free(a)

	// The slab is full; the freed entry is idle and must be reused.
	c := mustAlloc(t, s, 256, 0)
	if c != a {
		t.Errorf("expected freed entry to be reused")
	}
	if len(tb.allocated) != 1 {
		t.Errorf("expected no new slab, got %d slabs", len(tb.allocated))
	}
}

func TestBusyEntryNotReused(t *testing.T) {
	tb := newTestBackend(2)
	s := newTestSlabs(t, testConfig(), tb)

	a := mustAlloc(t, s, 256, 0)
	mustAlloc(t, s, 256, 0)
	a.Buffer().(*testEntry).busy = true
	s.Free(a)

	c := mustAlloc(t, s, 256, 0)
	if c == a {
		t.Fatal("busy entry was reused")
	}
	if len(tb.allocated) != 2 {
		t.Errorf("expected a new slab, got %d slabs", len(tb.allocated))
	}
	if got := s.Stats().PendingReclaim; got != 1 {
		t.Errorf("expected 1 pending entry, got %d", got)
	}
}

func TestSlabFreedOnceWhenEmpty(t *testing.T) {
	tb := newTestBackend(3)
	s := newTestSlabs(t, testConfig(), tb)

	entries := []*Entry{
		mustAlloc(t, s, 256, 0),
		mustAlloc(t, s, 256, 0),
		mustAlloc(t, s, 256, 0),
	}
	for _, e := range entries {
		s.Free(e)
	}
	if n := s.ReclaimAll(); n != 3 {
		t.Fatalf("expected 3 reclaimed, got %d", n)
	}

	slab := tb.allocated[0]
	if tb.freed[slab] != 1 {
		t.Fatalf("expected slab freed exactly once, got %d", tb.freed[slab])
	}
	if n := s.ReclaimAll(); n != 0 {
		t.Errorf("expected nothing left to reclaim, got %d", n)
	}
	if tb.freed[slab] != 1 {
		t.Errorf("slab freed again: %d", tb.freed[slab])
	}

	st := s.Stats()
	if st.LiveSlabs != 0 || st.SlabsFreed != 1 || st.Outstanding != 0 {
		t.Errorf("unexpected stats: %+v", st)
	}
}

func TestPartiallyFreeSlabRejoinsGroup(t *testing.T) {
	tb := newTestBackend(2)
	s := newTestSlabs(t, testConfig(), tb)

	a := mustAlloc(t, s, 256, 0)
	mustAlloc(t, s, 256, 0)
	// First slab is full; allocation drops it from the group.
	c := mustAlloc(t, s, 256, 0)
	if c.Slab() == a.Slab() {
		t.Fatal("expected second slab")
	}
	mustAlloc(t, s, 256, 0)

	s.Free(a)
	if n := s.ReclaimAll(); n != 1 {
		t.Fatalf("expected 1 reclaimed, got %d", n)
	}
	if tb.freed[a.Slab()] != 0 {
		t.Fatal("partially used slab was freed")
	}

	d := mustAlloc(t, s, 256, 0)
	if d != a {
		t.Errorf("expected reclaimed entry to be handed out again")
	}
	if len(tb.allocated) != 2 {
		t.Errorf("expected 2 slabs, got %d", len(tb.allocated))
	}
}

func TestMaxFailedReclaimsBound(t *testing.T) {
	tb := newTestBackend(4)
	cfg := testConfig()
	cfg.MaxFailedReclaims = 2
	s := newTestSlabs(t, cfg, tb)

	// Fill one 256-byte slab: busy, busy, idle, idle in reclaim order.
	entries := make([]*Entry, 4)
	for i := range entries {
		entries[i] = mustAlloc(t, s, 256, 0)
	}
	entries[0].Buffer().(*testEntry).busy = true
	entries[1].Buffer().(*testEntry).busy = true
	for _, e := range entries {
		s.Free(e)
	}

	// The bounded pass gives up after two busy entries and never sees the
	// idle ones, so a new slab is allocated.
	e := mustAlloc(t, s, 256, 0)
	if e.Slab() == entries[0].Slab() {
		t.Fatal("bounded reclaim reached past the failure limit")
	}
	if got := s.Stats().PendingReclaim; got != 4 {
		t.Errorf("expected 4 pending entries, got %d", got)
	}

	// AllocReclaimAll checks the whole list.
	for i := 0; i < 3; i++ {
		mustAlloc(t, s, 256, 0)
	}
	got, err := s.AllocReclaimAll(256, 0)
	if err != nil {
		t.Fatalf("AllocReclaimAll: %v", err)
	}
	if got != entries[2] && got != entries[3] {
		t.Errorf("expected an idle entry of the first slab, got index %d", got.Index())
	}
	if len(tb.allocated) != 2 {
		t.Errorf("expected 2 slabs, got %d", len(tb.allocated))
	}
}

func TestFailureCounterResetsOnSuccess(t *testing.T) {
	tb := newTestBackend(8)
	cfg := testConfig()
	cfg.MaxFailedReclaims = 2
	s := newTestSlabs(t, cfg, tb)

	entries := make([]*Entry, 8)
	for i := range entries {
		entries[i] = mustAlloc(t, s, 256, 0)
	}
	// busy, idle, busy, idle, busy, busy, idle, idle
	for _, i := range []int{0, 2, 4, 5} {
		entries[i].Buffer().(*testEntry).busy = true
	}
	for _, e := range entries {
		s.Free(e)
	}

	// Triggers a bounded pass: reclaims entries 1 and 3, stops at 4 and 5.
	mustAlloc(t, s, 256, 0)
	st := s.Stats()
	if st.Reclaimed != 2 {
		t.Errorf("expected 2 reclaimed, got %d", st.Reclaimed)
	}
	if st.PendingReclaim != 6 {
		t.Errorf("expected 6 pending, got %d", st.PendingReclaim)
	}
}

func TestDoubleFreePanics(t *testing.T) {
	s := newTestSlabs(t, testConfig(), newTestBackend(2))
	e := mustAlloc(t, s, 256, 0)
	s.Free(e)

	defer func() {
		if recover() == nil {
			t.Error("expected panic on double free")
		}
	}()
	s.Free(e)
}

func TestSlabAllocError(t *testing.T) {
	tb := newTestBackend(2)
	tb.allocErr = bufcache.ErrOutOfMemory
	s := newTestSlabs(t, testConfig(), tb)

	_, err := s.Alloc(256, 0)
	if !errors.Is(err, bufcache.ErrOutOfMemory) {
		t.Fatalf("expected ErrOutOfMemory, got %v", err)
	}

	tb.allocErr = nil
	mustAlloc(t, s, 256, 0)
}

func TestSlabAllocMayReenter(t *testing.T) {
	tb := newTestBackend(2)
	s := newTestSlabs(t, testConfig(), tb)

	a := mustAlloc(t, s, 256, 0)
	b := mustAlloc(t, s, 256, 0)
	a.Buffer().(*testEntry).busy = true
	b.Buffer().(*testEntry).busy = true
	s.Free(a)
	s.Free(b)

	reentered := false
	tb.onAlloc = func() {
		// A backend under pressure reclaims from inside SlabAlloc.
		reentered = true
		s.ReclaimAll()
		_ = s.Stats()
	}
	mustAlloc(t, s, 512, 0)
	if !reentered {
		t.Fatal("SlabAlloc not called")
	}
}

func TestCloseReleasesEverything(t *testing.T) {
	tb := newTestBackend(2)
	s := newTestSlabs(t, testConfig(), tb)

	var entries []*Entry
	for i := 0; i < 6; i++ {
		e := mustAlloc(t, s, 256<<uint(i%3), i%2)
		e.Buffer().(*testEntry).busy = true
		entries = append(entries, e)
	}
	for _, e := range entries {
		s.Free(e)
	}

	s.Close()

	if len(tb.freed) != len(tb.allocated) {
		t.Fatalf("expected all %d slabs freed, got %d", len(tb.allocated), len(tb.freed))
	}
	for sl, n := range tb.freed {
		if n != 1 {
			t.Errorf("slab %p freed %d times", sl, n)
		}
	}
	if st := s.Stats(); st.LiveSlabs != 0 || st.PendingReclaim != 0 {
		t.Errorf("unexpected stats after Close: %+v", st)
	}

	if _, err := s.Alloc(256, 0); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after Close, got %v", err)
	}
	s.Close()
}

func TestFreeAfterClose(t *testing.T) {
	tb := newTestBackend(2)
	s := newTestSlabs(t, testConfig(), tb)

	a := mustAlloc(t, s, 256, 0)
	s.Close()
	if len(tb.freed) != 0 {
		t.Fatal("slab with an allocated entry freed on Close")
	}

	a.Buffer().(*testEntry).busy = true
	s.Free(a)
	if tb.freed[a.Slab()] != 1 {
		t.Errorf("expected slab freed when its last entry is freed after Close")
	}
}

func TestStatsString(t *testing.T) {
	s := newTestSlabs(t, testConfig(), newTestBackend(2))
	mustAlloc(t, s, 256, 0)
	want := "Slabs[1 live, 1 outstanding, 0 pending, 1 allocated, 0 freed]"
	if got := s.Stats().String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestConcurrentAllocFree(t *testing.T) {
	tb := newTestBackend(16)
	s := newTestSlabs(t, testConfig(), tb)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				e, err := s.Alloc(uint64(100+(i*37+g)%4000), g%2)
				if err != nil {
					t.Errorf("Alloc: %v", err)
					return
				}
				s.Free(e)
			}
		}(g)
	}
	wg.Wait()

	s.ReclaimAll()
	st := s.Stats()
	if st.Outstanding != 0 || st.PendingReclaim != 0 || st.LiveSlabs != 0 {
		t.Errorf("expected everything reclaimed, got %+v", st)
	}
	if st.SlabsAllocated != st.SlabsFreed {
		t.Errorf("allocated %d slabs, freed %d", st.SlabsAllocated, st.SlabsFreed)
	}
}
