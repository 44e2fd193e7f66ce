package stmt

// Properties is the per-statement policy bundle carried on a descriptor.
// The registry stores it but never interprets it; the execution layer does
// (result caching, query timeout, artificial delay).
type Properties struct {
	CacheTTL int // seconds, 0 = no result caching
	Timeout  int // milliseconds, 0 = no limit
	Delay    int // milliseconds, 0 = no delay
}

// Field holds the column metadata reported for one result column.
type Field struct {
	Schema   string
	Table    string
	Name     string
	Charset  uint16
	Length   uint32
	Type     byte
	Flags    uint16
	Decimals byte
}

// BackendMeta is what the first physical prepare on a backend reported
// about the statement's shape.
type BackendMeta struct {
	NumColumns   uint16
	NumParams    uint16
	WarningCount uint16
	Fields       []Field
}

// Descriptor is the shared metadata for one distinct prepared statement.
// A single prepared statement can be prepared on multiple backends, and on
// each backend it gets a different backend-local id. The proxy hands the
// client a stable StatementID instead and keeps one Descriptor per distinct
// (hostgroup, user, schema, query), shared by every connection that has the
// statement prepared somewhere.
//
// All fields are set at construction by the registry and read-only
// afterwards, except the result shape (NumColumns, Fields), which is filled
// once via Registry.FillResultMeta, and the reference count, which only the
// registry touches under its lock.
type Descriptor struct {
	Fingerprint uint64
	StatementID uint32
	HostgroupID uint32
	Username    string
	Schemaname  string
	Query       string

	NumColumns   uint16
	NumParams    uint16
	WarningCount uint16
	Fields       []Field

	Properties Properties

	// refCount is the number of connection-local mappings pointing at this
	// descriptor, across all connections. Guarded by the registry lock.
	refCount int

	// resultMetaSet marks NumColumns/Fields as filled by the first backend
	// that reported them. Guarded by the registry lock.
	resultMetaSet bool
}
