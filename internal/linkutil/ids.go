package linkutil

import (
	"strconv"
	"sync"
)

// IDGenerator hands out correlation ids that are unique among the ids
// currently in use. One generator lives as long as one connection
// generation, so ids never collide within a session.
type IDGenerator struct {
	sync.Mutex
	index map[uint32]struct{}
	next  uint32
}

const (
	idMin uint32 = 1
	idMax uint32 = 1<<31 - 1
)

func NewIDGenerator() *IDGenerator {
	return &IDGenerator{index: make(map[uint32]struct{}), next: idMin}
}

// FreeID releases id for reuse.
func (g *IDGenerator) FreeID(id string) {
	n, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return
	}
	g.Lock()
	defer g.Unlock()
	delete(g.index, uint32(n))
}

// NextID returns an unused id, or "" when every id is in use.
func (g *IDGenerator) NextID() string {
	g.Lock()
	defer g.Unlock()

	for i := 0; i < len(g.index)+1; i++ {
		id := g.next
		g.next++
		if g.next > idMax {
			g.next = idMin
		}
		if _, ok := g.index[id]; !ok {
			g.index[id] = struct{}{}
			return strconv.FormatUint(uint64(id), 10)
		}
	}
	return ""
}

// InUse is the number of ids handed out and not yet freed.
func (g *IDGenerator) InUse() int {
	g.Lock()
	defer g.Unlock()
	return len(g.index)
}
