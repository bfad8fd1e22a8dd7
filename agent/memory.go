package agent

import "sync"

// Memory is the keyed shared state of a run. Values are
// JSON-representable; writes are attributed to the node that made
// them. Within a branch there is a single writer per key, so reads
// need no coordination beyond the map lock.
type Memory struct {
	mu      sync.RWMutex
	values  map[string]interface{}
	writers map[string]string // key -> node id of last writer
}

// NewMemory creates a Memory seeded with the run input. Input keys
// are attributed to the pseudo-node "input".
func NewMemory(input map[string]interface{}) *Memory {
	m := &Memory{
		values:  make(map[string]interface{}, len(input)),
		writers: make(map[string]string, len(input)),
	}
	for k, v := range input {
		m.values[k] = v
		m.writers[k] = "input"
	}
	return m
}

// Get returns the value at key and whether it exists.
func (m *Memory) Get(key string) (interface{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

// Write sets key to value, attributed to nodeID. Keys may be
// overwritten.
func (m *Memory) Write(nodeID, key string, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	m.writers[key] = nodeID
}

// Writer returns the node that last wrote key, or "" if the key is
// absent.
func (m *Memory) Writer(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writers[key]
}

// Snapshot returns a copy of the current values. The copy is
// independent: later writes to either side are invisible to the other.
func (m *Memory) Snapshot() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := make(map[string]interface{}, len(m.values))
	for k, v := range m.values {
		snap[k] = v
	}
	return snap
}

// writersSnapshot is used when flushing execution state to a session.
func (m *Memory) writersSnapshot() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := make(map[string]string, len(m.writers))
	for k, v := range m.writers {
		snap[k] = v
	}
	return snap
}

// restore replaces the memory contents from a session snapshot.
func (m *Memory) restore(values map[string]interface{}, writers map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.values = make(map[string]interface{}, len(values))
	for k, v := range values {
		m.values[k] = v
	}
	m.writers = make(map[string]string, len(writers))
	for k, v := range writers {
		m.writers[k] = v
	}
}

// branchWrite records one attributed write made inside a parallel
// branch, replayed onto the shared memory at the join.
type branchWrite struct {
	nodeID string
	key    string
	value  interface{}
}

// branchMemory is the logical copy of memory a parallel branch runs
// against. Reads see the snapshot taken at fork time plus the
// branch's own writes; writes are recorded for the merge.
type branchMemory struct {
	base   *Memory
	writes []branchWrite
}

func newBranchMemory(base map[string]interface{}) *branchMemory {
	return &branchMemory{base: NewMemory(base)}
}

func (b *branchMemory) memory() *Memory { return b.base }

func (b *branchMemory) record(nodeID, key string, value interface{}) {
	b.base.Write(nodeID, key, value)
	b.writes = append(b.writes, branchWrite{nodeID: nodeID, key: key, value: value})
}

// mergeBranches applies branch writes onto the shared memory in
// declared branch order. Two branches writing the same key is a
// run-level fault, never a silent winner.
func mergeBranches(shared *Memory, branches []*branchMemory, branchNames []string) error {
	owner := make(map[string]int) // key -> branch index that wrote it
	for i, b := range branches {
		for _, w := range b.writes {
			if prev, taken := owner[w.key]; taken && prev != i {
				return &Error{
					Code: CodeBranchMergeConflict,
					Message: "branches " + branchNames[prev] + " and " + branchNames[i] +
						" both wrote key " + w.key,
				}
			}
			owner[w.key] = i
		}
	}

	for _, b := range branches {
		for _, w := range b.writes {
			shared.Write(w.nodeID, w.key, w.value)
		}
	}
	return nil
}
