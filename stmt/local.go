package stmt

// LocalTable maps stable statement ids to the backend-local handle a
// specific connection obtained when it physically prepared the statement.
// Each table is owned by exactly one connection handler and accessed from
// one goroutine only, so it needs no locking.
//
// The table never touches the registry: whenever the owner removes a
// mapping (Erase or Drain) it must call Registry.RefCount(id, -1) exactly
// once per removed entry to keep the shared count accurate.
type LocalTable[H any] struct {
	entries map[uint32]H
}

// NewLocalTable creates an empty table.
func NewLocalTable[H any]() *LocalTable[H] {
	return &LocalTable[H]{entries: make(map[uint32]H)}
}

// Insert adds a mapping from a stable statement id to a backend-local
// handle. If the id is already present the existing handle is kept and the
// call is a no-op (first write wins). Returns whether a new entry was
// created.
func (t *LocalTable[H]) Insert(statementID uint32, handle H) bool {
	if _, ok := t.entries[statementID]; ok {
		return false
	}
	t.entries[statementID] = handle
	return true
}

// Find returns the backend-local handle for a stable statement id.
func (t *LocalTable[H]) Find(statementID uint32) (H, bool) {
	h, ok := t.entries[statementID]
	return h, ok
}

// Erase removes the mapping if present and reports whether it existed.
func (t *LocalTable[H]) Erase(statementID uint32) bool {
	if _, ok := t.entries[statementID]; !ok {
		return false
	}
	delete(t.entries, statementID)
	return true
}

// Len returns the number of active mappings.
func (t *LocalTable[H]) Len() int {
	return len(t.entries)
}

// Drain removes and returns all mappings. Used on connection teardown: the
// owner closes each handle and decrements the registry once per entry.
func (t *LocalTable[H]) Drain() map[uint32]H {
	drained := t.entries
	t.entries = make(map[uint32]H)
	return drained
}
