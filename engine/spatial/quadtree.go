package spatial

import (
	"sync"

	"github.com/gorcnet/gorc/engine/common"
	"github.com/gorcnet/gorc/engine/config"
	"github.com/gorcnet/gorc/engine/consts"
	"github.com/gorcnet/gorc/engine/gorclog"
)

// Index is an adaptive quadtree over the XZ plane. Positions are 3D but cells
// partition X and Z only; Y enters distance checks, not cell choice.
//
// A leaf splits when its member count exceeds the cell capacity; a split node
// merges back when its subtree count falls below the merge occupancy. The two
// thresholds are deliberately apart so membership jitter at the split boundary
// cannot cause repeated split/merge.
type Index struct {
	mu             sync.RWMutex
	root           *node
	entries        map[common.ObjectID]*entry
	cellCapacity   int
	mergeOccupancy int
	maxDepth       int
	cellCount      int
}

type entry struct {
	id   common.ObjectID
	pos  Position
	leaf *node
}

type node struct {
	parent   *node
	depth    int
	x0, z0   Coord
	x1, z1   Coord
	children *[4]*node                  // nil for leaves
	members  map[common.ObjectID]*entry // nil for interior nodes
	count    int                        // members in this subtree
}

// NewIndex creates an empty Index covering the square [-extent, extent] on X and Z
func NewIndex(cfg *config.SpatialConfig) *Index {
	extent := Coord(cfg.WorldExtent)
	idx := &Index{
		entries:        map[common.ObjectID]*entry{},
		cellCapacity:   cfg.CellCapacity,
		mergeOccupancy: cfg.MergeOccupancy,
		maxDepth:       cfg.MaxDepth,
		cellCount:      1,
	}
	idx.root = &node{
		x0: -extent, z0: -extent,
		x1: extent, z1: extent,
		members: map[common.ObjectID]*entry{},
	}
	return idx
}

// Insert adds id at pos. Inserting an id that is already present behaves like Update.
func (idx *Index) Insert(id common.ObjectID, pos Position) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if e, ok := idx.entries[id]; ok {
		idx.moveEntry(e, pos)
		return
	}
	e := &entry{id: id, pos: pos}
	idx.entries[id] = e
	leaf := idx.descend(idx.root, pos)
	idx.attach(leaf, e)
	idx.maybeSplit(leaf)
}

// Update moves id to pos. Updating an unknown id behaves like Insert, so callers
// racing with removal never see an error for a stale id.
func (idx *Index) Update(id common.ObjectID, pos Position) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	e, ok := idx.entries[id]
	if !ok {
		e = &entry{id: id, pos: pos}
		idx.entries[id] = e
		leaf := idx.descend(idx.root, pos)
		idx.attach(leaf, e)
		idx.maybeSplit(leaf)
		return
	}
	idx.moveEntry(e, pos)
}

// Remove deletes id from the index. Removing an unknown id is a no-op.
func (idx *Index) Remove(id common.ObjectID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	e, ok := idx.entries[id]
	if !ok {
		return
	}
	delete(idx.entries, id)
	oldLeaf := e.leaf
	idx.detach(e)
	idx.maybeMerge(oldLeaf.parent)
}

// QueryRadius returns the set of ids within radius of center. Stale or removed
// ids are simply absent; the query never fails.
func (idx *Index) QueryRadius(center Position, radius Coord) common.ObjectIDSet {
	result := common.ObjectIDSet{}
	if radius < 0 {
		return result
	}
	idx.mu.RLock()
	idx.queryNode(idx.root, center, radius, result)
	idx.mu.RUnlock()
	return result
}

// PositionOf returns the indexed position of id
func (idx *Index) PositionOf(id common.ObjectID) (Position, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	e, ok := idx.entries[id]
	if !ok {
		return Position{}, false
	}
	return e.pos, true
}

// Contains returns if id is indexed
func (idx *Index) Contains(id common.ObjectID) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.entries[id]
	return ok
}

// Len returns the number of indexed objects
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// CellCount returns the current number of leaf cells
func (idx *Index) CellCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.cellCount
}

// RootQuadrant maps a position to one of the four top-level quadrants (0..3).
// The subscription pass uses it to bucket observers into independently
// processable regions.
func (idx *Index) RootQuadrant(pos Position) int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.root.quadrantOf(clampCoord(pos.X, idx.root.x0, idx.root.x1), clampCoord(pos.Z, idx.root.z0, idx.root.z1))
}

func clampCoord(v, lo, hi Coord) Coord {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (n *node) midX() Coord { return (n.x0 + n.x1) / 2 }
func (n *node) midZ() Coord { return (n.z0 + n.z1) / 2 }

// quadrantOf maps coordinates to a child slot: 0=SW 1=SE 2=NW 3=NE
func (n *node) quadrantOf(x, z Coord) int {
	q := 0
	if x >= n.midX() {
		q |= 1
	}
	if z >= n.midZ() {
		q |= 2
	}
	return q
}

func (idx *Index) descend(n *node, pos Position) *node {
	x := clampCoord(pos.X, idx.root.x0, idx.root.x1)
	z := clampCoord(pos.Z, idx.root.z0, idx.root.z1)
	for n.children != nil {
		n = n.children[n.quadrantOf(x, z)]
	}
	return n
}

func (idx *Index) attach(leaf *node, e *entry) {
	leaf.members[e.id] = e
	e.leaf = leaf
	for n := leaf; n != nil; n = n.parent {
		n.count++
	}
}

func (idx *Index) detach(e *entry) {
	leaf := e.leaf
	delete(leaf.members, e.id)
	e.leaf = nil
	for n := leaf; n != nil; n = n.parent {
		n.count--
	}
}

func (idx *Index) moveEntry(e *entry, pos Position) {
	e.pos = pos
	newLeaf := idx.descend(idx.root, pos)
	if newLeaf == e.leaf {
		return
	}
	oldLeaf := e.leaf
	idx.detach(e)
	idx.attach(newLeaf, e)
	idx.maybeSplit(newLeaf)
	// e.leaf may have split; merge check must not climb through the new location
	if oldLeaf.parent != nil {
		idx.maybeMerge(oldLeaf.parent)
	}
}

func (idx *Index) maybeSplit(leaf *node) {
	for len(leaf.members) > idx.cellCapacity && leaf.depth < idx.maxDepth {
		if consts.DEBUG_SPATIAL {
			gorclog.Debugf("spatial: splitting cell depth=%d members=%d", leaf.depth, len(leaf.members))
		}
		children := &[4]*node{}
		mx, mz := leaf.midX(), leaf.midZ()
		bounds := [4][4]Coord{
			{leaf.x0, leaf.z0, mx, mz},
			{mx, leaf.z0, leaf.x1, mz},
			{leaf.x0, mz, mx, leaf.z1},
			{mx, mz, leaf.x1, leaf.z1},
		}
		for i := 0; i < 4; i++ {
			children[i] = &node{
				parent:  leaf,
				depth:   leaf.depth + 1,
				x0:      bounds[i][0],
				z0:      bounds[i][1],
				x1:      bounds[i][2],
				z1:      bounds[i][3],
				members: map[common.ObjectID]*entry{},
			}
		}
		members := leaf.members
		leaf.members = nil
		leaf.children = children
		idx.cellCount += 3
		var fullest *node
		for _, e := range members {
			x := clampCoord(e.pos.X, idx.root.x0, idx.root.x1)
			z := clampCoord(e.pos.Z, idx.root.z0, idx.root.z1)
			child := children[leaf.quadrantOf(x, z)]
			child.members[e.id] = e
			child.count++
			e.leaf = child
			if fullest == nil || child.count > fullest.count {
				fullest = child
			}
		}
		if fullest == nil || len(fullest.members) <= idx.cellCapacity {
			return
		}
		// all members may have landed in one child; keep splitting that child
		leaf = fullest
	}
}

// maybeMerge collapses the highest underpopulated ancestor of n back to a leaf
func (idx *Index) maybeMerge(n *node) {
	var candidate *node
	for ; n != nil; n = n.parent {
		if n.children != nil && n.count < idx.mergeOccupancy {
			candidate = n
		}
	}
	if candidate == nil {
		return
	}
	if consts.DEBUG_SPATIAL {
		gorclog.Debugf("spatial: merging cell depth=%d count=%d", candidate.depth, candidate.count)
	}
	members := map[common.ObjectID]*entry{}
	removed := candidate.collect(members)
	candidate.children = nil
	candidate.members = members
	for _, e := range members {
		e.leaf = candidate
	}
	idx.cellCount -= removed - 1
}

// collect gathers all members of the subtree and returns the number of leaves visited
func (n *node) collect(into map[common.ObjectID]*entry) int {
	if n.children == nil {
		for id, e := range n.members {
			into[id] = e
		}
		return 1
	}
	leaves := 0
	for _, c := range n.children {
		leaves += c.collect(into)
	}
	return leaves
}

func (idx *Index) queryNode(n *node, center Position, radius Coord, result common.ObjectIDSet) {
	if n.count == 0 || !n.intersectsCircle(center.X, center.Z, radius) {
		return
	}
	if n.children != nil {
		for _, c := range n.children {
			idx.queryNode(c, center, radius, result)
		}
		return
	}
	for id, e := range n.members {
		if center.DistanceTo(e.pos) <= radius {
			result.Add(id)
		}
	}
}

// intersectsCircle tests the node rect against the XZ projection of the query
// sphere. The 3D distance to any member is at least its XZ distance, so this
// prune never discards a true hit.
func (n *node) intersectsCircle(cx, cz, r Coord) bool {
	dx := Coord(0)
	if cx < n.x0 {
		dx = n.x0 - cx
	} else if cx > n.x1 {
		dx = cx - n.x1
	}
	dz := Coord(0)
	if cz < n.z0 {
		dz = n.z0 - cz
	} else if cz > n.z1 {
		dz = cz - n.z1
	}
	return dx*dx+dz*dz <= r*r
}
