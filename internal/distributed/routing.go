package distributed

import (
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
)

var bitmapPool = sync.Pool{
	New: func() any { return roaring.NewBitmap() },
}

// routeSet is a thread-safe set of local query ids bound for one host.
type routeSet struct {
	mu     sync.Mutex
	bitmap *roaring.Bitmap
}

func newRouteSet() *routeSet {
	return &routeSet{bitmap: bitmapPool.Get().(*roaring.Bitmap)}
}

func (s *routeSet) add(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bitmap.Add(uint32(id))
}

func (s *routeSet) contains(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bitmap.Contains(uint32(id))
}

func (s *routeSet) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.bitmap.GetCardinality())
}

// ids returns the members in ascending order, the order in which their
// queries are packed into a batch.
func (s *routeSet) ids() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bitmap.ToArray()
}

// release returns the bitmap to the pool; the set is unusable afterwards.
func (s *routeSet) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bitmap != nil {
		s.bitmap.Clear()
		bitmapPool.Put(s.bitmap)
		s.bitmap = nil
	}
}

// routingTable holds one routeSet per destination rank.
type routingTable []*routeSet

func newRoutingTable(ranks int) routingTable {
	t := make(routingTable, ranks)
	for r := range t {
		t[r] = newRouteSet()
	}
	return t
}

// routed counts (query, rank) pairs.
func (t routingTable) routed() int {
	n := 0
	for _, s := range t {
		n += s.count()
	}
	return n
}

func (t routingTable) release() {
	for _, s := range t {
		s.release()
	}
}
