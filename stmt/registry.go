package stmt

import "sync"

// Registry is the process-wide table of live prepared-statement descriptors,
// shared by all connection handlers. It allocates the stable statement ids
// returned to clients, deduplicates prepares that are textually identical
// (same hostgroup, user, schema and query) and destroys a descriptor once no
// connection-local mapping references it anymore.
//
// Descriptors are indexed both by stable id and by content fingerprint; the
// two indices always hold exactly the same set and are only ever mutated
// together, under the write lock, through insertLocked/removeLocked.
type Registry struct {
	mu     sync.RWMutex
	nextID uint32
	byID   map[uint32]*Descriptor
	byHash map[uint64]*Descriptor
}

// NewRegistry creates an empty registry. The first issued statement id is 1.
func NewRegistry() *Registry {
	return &Registry{
		nextID: 1,
		byID:   make(map[uint32]*Descriptor),
		byHash: make(map[uint64]*Descriptor),
	}
}

// AddPreparedStatement registers a prepared statement or reuses the live
// descriptor with the same fingerprint. On a dedup hit the existing
// descriptor's reference count is incremented, no new id is allocated and
// created is false; on a miss a descriptor is built from meta and props with
// a reference count of 1 and a freshly allocated id. The lookup and the
// insert-or-increment happen under one write lock acquisition, so concurrent
// identical prepares can never mint two descriptors for one fingerprint.
func (r *Registry) AddPreparedStatement(hostgroupID uint32, username, schemaname, query string, meta BackendMeta, props Properties) (desc *Descriptor, created bool) {
	hash := ComputeFingerprint(hostgroupID, username, schemaname, query)

	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.byHash[hash]; ok {
		d.refCount++
		return d, false
	}

	d := &Descriptor{
		Fingerprint:   hash,
		StatementID:   r.nextID,
		HostgroupID:   hostgroupID,
		Username:      username,
		Schemaname:    schemaname,
		Query:         query,
		NumColumns:    meta.NumColumns,
		NumParams:     meta.NumParams,
		WarningCount:  meta.WarningCount,
		Fields:        meta.Fields,
		Properties:    props,
		refCount:      1,
		resultMetaSet: meta.NumColumns > 0 || len(meta.Fields) > 0,
	}
	r.nextID++
	r.insertLocked(d)
	return d, true
}

// RefCount adjusts the reference count of the descriptor with the given id
// and returns the resulting count. When the count reaches zero the
// descriptor is removed from both indices before RefCount returns, so no
// caller can observe a zero-count descriptor through a lookup. A delta of 0
// reads the current count. Returns found=false if no live descriptor has
// that id. A decrement that would push the count below zero is a caller bug
// and is ignored.
func (r *Registry) RefCount(statementID uint32, delta int) (count int, found bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.byID[statementID]
	if !ok {
		return 0, false
	}
	if d.refCount+delta < 0 {
		return d.refCount, true
	}
	d.refCount += delta
	if d.refCount == 0 {
		r.removeLocked(d)
	}
	return d.refCount, true
}

// FindByStatementID returns the live descriptor with the given stable id.
func (r *Registry) FindByStatementID(statementID uint32) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[statementID]
	return d, ok
}

// FindByFingerprint returns the live descriptor with the given fingerprint.
func (r *Registry) FindByFingerprint(hash uint64) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byHash[hash]
	return d, ok
}

// FillResultMeta records the result shape (column count and field metadata)
// reported by the first backend that learned it, typically on the first
// execute. First write wins; later calls are no-ops. Returns whether the
// shape was recorded by this call.
func (r *Registry) FillResultMeta(statementID uint32, numColumns uint16, fields []Field) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.byID[statementID]
	if !ok || d.resultMetaSet {
		return false
	}
	d.NumColumns = numColumns
	d.Fields = fields
	d.resultMetaSet = true
	return true
}

// TotalPreparedStatements returns the number of stable ids ever allocated.
// It is monotonic and includes ids whose descriptors have since been
// destroyed; Live reports the current descriptor count.
func (r *Registry) TotalPreparedStatements() uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nextID - 1
}

// Live returns the number of currently live descriptors.
func (r *Registry) Live() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// insertLocked and removeLocked are the only code paths that touch the two
// indices, so they can never go out of sync. Callers must hold the write
// lock.
func (r *Registry) insertLocked(d *Descriptor) {
	r.byID[d.StatementID] = d
	r.byHash[d.Fingerprint] = d
}

func (r *Registry) removeLocked(d *Descriptor) {
	delete(r.byID, d.StatementID)
	delete(r.byHash, d.Fingerprint)
}
