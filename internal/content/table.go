package content

import (
	"strconv"
	"sync"

	"tabdriver/internal/locator"
)

// NodeTable maps host objects to External ids. The arena holds objects by
// id; the index maps an object back to the id it was first given, so the
// same node always comes back under the same RTID.
type NodeTable struct {
	mu    sync.Mutex
	next  uint64
	arena map[string]locator.Object
	index map[any]string
}

// NewNodeTable returns an empty table.
func NewNodeTable() *NodeTable {
	return &NodeTable{
		arena: make(map[string]locator.Object),
		index: make(map[any]string),
	}
}

// Register returns obj's id, assigning a new one the first time.
func (t *NodeTable) Register(obj locator.Object) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	key, ok := locator.KeyOf(obj)
	if ok {
		if id, seen := t.index[key]; seen {
			return id
		}
	}
	t.next++
	id := "n" + strconv.FormatUint(t.next, 10)
	t.arena[id] = obj
	if ok {
		t.index[key] = id
	}
	return id
}

// Lookup returns the object registered under id.
func (t *NodeTable) Lookup(id string) (locator.Object, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	obj, ok := t.arena[id]
	return obj, ok
}

// Reset forgets every node. Ids are never reused, so a stale RTID from
// before a navigation cannot alias a new node.
func (t *NodeTable) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.arena = make(map[string]locator.Object)
	t.index = make(map[any]string)
}

func (t *NodeTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.arena)
}
