package mysql

import (
	"bytes"
	"database/sql"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"

	"github.com/mevdschee/tqstmtproxy/backend"
	"github.com/mevdschee/tqstmtproxy/cache"
	"github.com/mevdschee/tqstmtproxy/config"
	"github.com/mevdschee/tqstmtproxy/replica"
	"github.com/mevdschee/tqstmtproxy/stmt"
)

const (
	comQuit             = 0x01
	comInitDB           = 0x02
	comQuery            = 0x03
	comFieldList        = 0x04
	comPing             = 0x0e
	comStmtPrepare      = 0x16
	comStmtExecute      = 0x17
	comStmtSendLongData = 0x18
	comStmtClose        = 0x19
	comStmtReset        = 0x1a
)

// Proxy implements a MySQL server that virtualizes prepared statements
// across backend hostgroups
type Proxy struct {
	mu       sync.Mutex
	cfg      *config.Config
	pools    map[uint32]*replica.Pool
	cache    *cache.Cache
	registry *stmt.Registry
	connID   uint32
}

// New creates a new MySQL proxy
func New(cfg *config.Config, pools map[uint32]*replica.Pool, c *cache.Cache, registry *stmt.Registry) *Proxy {
	return &Proxy{
		cfg:      cfg,
		pools:    pools,
		cache:    c,
		registry: registry,
		connID:   1000,
	}
}

// UpdateConfig swaps in a reloaded configuration and pool set. Existing
// connections keep the pools they started with; new connections pick up
// the new ones.
func (p *Proxy) UpdateConfig(cfg *config.Config, pools map[uint32]*replica.Pool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
	p.pools = pools
}

func (p *Proxy) snapshot() (*config.Config, map[uint32]*replica.Pool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg, p.pools
}

// Start begins accepting MySQL connections
func (p *Proxy) Start() error {
	cfg, _ := p.snapshot()
	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}
	log.Printf("[MySQL] Listening on %s, %d hostgroups", cfg.Listen, len(cfg.Hostgroups))

	go func() {
		for {
			client, err := listener.Accept()
			if err != nil {
				log.Printf("[MySQL] Accept error: %v", err)
				continue
			}
			p.mu.Lock()
			p.connID++
			id := p.connID
			p.mu.Unlock()
			go p.handleConnection(client, id)
		}
	}()

	return nil
}

func (p *Proxy) handleConnection(client net.Conn, connID uint32) {
	defer client.Close()

	cfg, pools := p.snapshot()
	session := backend.New(pools, cfg.BackendUser, cfg.BackendPassword)
	defer session.Close()

	conn := &clientConn{
		conn:             client,
		proxy:            p,
		connID:           connID,
		status:           SERVER_STATUS_AUTOCOMMIT,
		session:          session,
		registry:         p.registry,
		cache:            p.cache,
		local:            stmt.NewLocalTable[*sql.Stmt](),
		paramTypes:       make(map[uint32][]byte),
		defaultHostgroup: cfg.DefaultHostgroup,
	}
	defer conn.teardown()

	if err := conn.handshake(); err != nil {
		log.Printf("[MySQL] Handshake error (conn %d): %v", connID, err)
		return
	}

	conn.run()
}

type clientConn struct {
	conn       net.Conn
	proxy      *Proxy
	connID     uint32
	capability uint32
	status     uint16
	sequence   byte
	salt       []byte
	user       string
	db         string

	session          *backend.Session
	registry         *stmt.Registry
	cache            *cache.Cache
	local            *stmt.LocalTable[*sql.Stmt]
	paramTypes       map[uint32][]byte // param types from the first execute, per stmt id
	defaultHostgroup uint32

	// Last query metadata for SHOW TQDB STATUS
	lastQueryBackend  string
	lastQueryCacheHit bool
}

func (c *clientConn) handshake() error {
	salt, err := GenerateSalt()
	if err != nil {
		return err
	}
	c.salt = salt

	if err := c.writeServerGreeting(); err != nil {
		return err
	}

	if err := c.readClientAuth(); err != nil {
		return err
	}

	c.sequence++
	okPacket := WriteOKPacket(0, 0, c.status, c.capability)
	okPacket[3] = c.sequence
	if _, err := c.conn.Write(okPacket); err != nil {
		return err
	}

	return nil
}

func (c *clientConn) writeServerGreeting() error {
	data := make([]byte, 4, 128)

	// Protocol version
	data = append(data, 10)

	// Server version
	data = append(data, ServerVersion...)
	data = append(data, 0)

	// Connection ID
	data = append(data, byte(c.connID), byte(c.connID>>8), byte(c.connID>>16), byte(c.connID>>24))

	// Auth plugin data part 1 (8 bytes)
	data = append(data, c.salt[0:8]...)

	// Filler
	data = append(data, 0)

	// Capability flags lower 2 bytes
	capLower := uint16(DEFAULT_CAPABILITY & 0xFFFF)
	data = append(data, byte(capLower), byte(capLower>>8))

	// Character set (utf8_general_ci)
	data = append(data, 33)

	// Status flags
	data = append(data, byte(c.status), byte(c.status>>8))

	// Capability flags upper 2 bytes
	capUpper := uint16((DEFAULT_CAPABILITY >> 16) & 0xFFFF)
	data = append(data, byte(capUpper), byte(capUpper>>8))

	// Auth plugin data length
	data = append(data, 21)

	// Reserved (10 bytes)
	data = append(data, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0)

	// Auth plugin data part 2 (12 bytes + null terminator)
	data = append(data, c.salt[8:20]...)
	data = append(data, 0)

	binary.LittleEndian.PutUint32(data[0:4], uint32(len(data)-4))
	data[3] = c.sequence
	c.sequence++

	_, err := c.conn.Write(data)
	return err
}

func (c *clientConn) readClientAuth() error {
	packet, err := c.readPacket()
	if err != nil {
		return err
	}

	pos := 0

	// Capability flags
	c.capability = binary.LittleEndian.Uint32(packet[pos : pos+4])
	pos += 4

	// Max packet size
	pos += 4

	// Character set
	pos++

	// Reserved (23 bytes)
	pos += 23

	// Username (null-terminated); part of statement identity, keep it
	c.user = string(packet[pos : pos+bytes.IndexByte(packet[pos:], 0)])
	pos += len(c.user) + 1

	// Auth response length
	authLen := int(packet[pos])
	pos++

	// Auth response
	auth := packet[pos : pos+authLen]
	pos += authLen

	// Database name (if CLIENT_CONNECT_WITH_DB)
	if c.capability&CLIENT_CONNECT_WITH_DB > 0 && pos < len(packet) {
		c.db = string(packet[pos : pos+bytes.IndexByte(packet[pos:], 0)])
		if c.db != "" {
			db, err := c.session.DB(c.defaultHostgroup)
			if err != nil {
				return err
			}
			if _, err := db.Exec(fmt.Sprintf("USE `%s`", c.db)); err != nil {
				return err
			}
		}
	}

	// Accept any authentication; backends enforce their own credentials
	_ = auth

	return nil
}

func (c *clientConn) run() {
	for {
		packet, err := c.readPacket()
		if err != nil {
			if err != io.EOF {
				log.Printf("[MySQL] Read error (conn %d): %v", c.connID, err)
			}
			return
		}

		if len(packet) < 1 {
			continue
		}

		cmd := packet[0]
		data := packet[1:]

		if err := c.dispatch(cmd, data); err != nil {
			if err == io.EOF {
				return
			}
			log.Printf("[MySQL] Command error (conn %d): %v", c.connID, err)
			c.writeError(err)
		}

		c.sequence = 0
	}
}

func (c *clientConn) dispatch(cmd byte, data []byte) error {
	switch cmd {
	case comQuit:
		return io.EOF
	case comInitDB:
		return c.handleInitDB(string(data))
	case comFieldList:
		// Deprecated, used for table completion; report no fields
		return c.writeEOF()
	case comPing:
		return c.writeOK()
	case comQuery:
		return c.handleQuery(string(data))
	case comStmtPrepare:
		return c.handlePrepare(string(data))
	case comStmtExecute:
		return c.handleExecute(data)
	case comStmtClose:
		return c.handleStmtClose(data)
	case comStmtReset:
		return c.handleStmtReset(data)
	case comStmtSendLongData:
		return fmt.Errorf("COM_STMT_SEND_LONG_DATA not supported")
	default:
		return fmt.Errorf("command %d not supported", cmd)
	}
}

func (c *clientConn) handleInitDB(dbName string) error {
	c.db = dbName
	db, err := c.session.DB(c.defaultHostgroup)
	if err != nil {
		return err
	}
	if _, err := db.Exec(fmt.Sprintf("USE `%s`", dbName)); err != nil {
		return err
	}
	return c.writeOK()
}

func (c *clientConn) handleQuery(query string) error {
	queryUpper := strings.ToUpper(strings.TrimSpace(query))

	if queryUpper == "SHOW TQDB STATUS" {
		return c.handleShowStatus()
	}

	db, err := c.session.DB(c.defaultHostgroup)
	if err != nil {
		return err
	}

	switch queryUpper {
	case "BEGIN", "START TRANSACTION":
		if _, err := db.Exec("BEGIN"); err != nil {
			return err
		}
		c.status |= SERVER_STATUS_IN_TRANS
		return c.writeOK()
	case "COMMIT":
		if _, err := db.Exec("COMMIT"); err != nil {
			return err
		}
		c.status &= ^uint16(SERVER_STATUS_IN_TRANS)
		return c.writeOK()
	case "ROLLBACK":
		if _, err := db.Exec("ROLLBACK"); err != nil {
			return err
		}
		c.status &= ^uint16(SERVER_STATUS_IN_TRANS)
		return c.writeOK()
	}

	if !strings.HasPrefix(queryUpper, "SELECT") && !strings.HasPrefix(queryUpper, "SHOW") {
		result, err := db.Exec(query)
		if err != nil {
			return err
		}
		affectedRows, _ := result.RowsAffected()
		lastInsertId, _ := result.LastInsertId()

		c.lastQueryBackend = "primary"
		c.lastQueryCacheHit = false

		c.sequence++
		okPacket := WriteOKPacket(uint64(affectedRows), uint64(lastInsertId), c.status, c.capability)
		okPacket[3] = c.sequence
		_, err = c.conn.Write(okPacket)
		return err
	}

	rows, err := db.Query(query)
	if err != nil {
		return err
	}
	defer rows.Close()

	c.lastQueryBackend = "primary"
	c.lastQueryCacheHit = false

	result, err := c.buildTextResultSet(rows)
	if err != nil {
		return err
	}
	return c.writeRaw(result)
}

// buildTextResultSet encodes a result set in the text protocol, used for
// COM_QUERY responses. All columns are reported as VAR_STRING.
func (c *clientConn) buildTextResultSet(rows *sql.Rows) ([]byte, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var result []byte

	// Column count packet
	packet := make([]byte, 4)
	packet = append(packet, PutLengthEncodedInt(uint64(len(columns)))...)
	binary.LittleEndian.PutUint32(packet[0:4], uint32(len(packet)-4))
	c.sequence++
	packet[3] = c.sequence
	result = append(result, packet...)

	// Column definition packets
	for _, col := range columns {
		packet = WriteFieldPacket(col)
		c.sequence++
		packet[3] = c.sequence
		result = append(result, packet...)
	}

	// EOF packet after columns
	c.sequence++
	eofPacket := WriteEOFPacket(c.status, c.capability)
	eofPacket[3] = c.sequence
	result = append(result, eofPacket...)

	// Row data packets
	values := make([]any, len(columns))
	valuePtrs := make([]any, len(columns))
	for i := range values {
		valuePtrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, err
		}

		packet = make([]byte, 4)
		for _, val := range values {
			if val == nil {
				packet = append(packet, 0xfb) // NULL
			} else {
				var str string
				switch v := val.(type) {
				case []byte:
					str = string(v)
				default:
					str = fmt.Sprintf("%v", v)
				}
				packet = append(packet, PutLengthEncodedString([]byte(str))...)
			}
		}

		binary.LittleEndian.PutUint32(packet[0:4], uint32(len(packet)-4))
		c.sequence++
		packet[3] = c.sequence
		result = append(result, packet...)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// EOF packet after rows
	c.sequence++
	eofPacket = WriteEOFPacket(c.status, c.capability)
	eofPacket[3] = c.sequence
	result = append(result, eofPacket...)

	return result, nil
}

// handleShowStatus answers the SHOW TQDB STATUS admin query with proxy
// internals: last routed backend, cache hit flag and the statement
// registry's counters.
func (c *clientConn) handleShowStatus() error {
	backendName := c.lastQueryBackend
	if backendName == "" {
		backendName = "none"
	}
	cacheHit := "0"
	if c.lastQueryCacheHit {
		cacheHit = "1"
	}

	rows := [][2]string{
		{"Backend", backendName},
		{"Cache_hit", cacheHit},
		{"Stmt_total_issued", fmt.Sprint(c.registry.TotalPreparedStatements())},
		{"Stmt_live", fmt.Sprint(c.registry.Live())},
		{"Stmt_conn_entries", fmt.Sprint(c.local.Len())},
	}

	var result []byte

	// Column count packet (2 columns)
	c.sequence++
	packet := make([]byte, 4)
	packet = append(packet, PutLengthEncodedInt(2)...)
	binary.LittleEndian.PutUint32(packet[0:4], uint32(len(packet)-4))
	packet[3] = c.sequence
	result = append(result, packet...)

	for _, name := range []string{"Variable_name", "Value"} {
		c.sequence++
		packet = WriteFieldPacket(name)
		packet[3] = c.sequence
		result = append(result, packet...)
	}

	// EOF after columns
	c.sequence++
	eofPacket := WriteEOFPacket(c.status, c.capability)
	eofPacket[3] = c.sequence
	result = append(result, eofPacket...)

	for _, row := range rows {
		c.sequence++
		packet = make([]byte, 4)
		packet = append(packet, PutLengthEncodedString([]byte(row[0]))...)
		packet = append(packet, PutLengthEncodedString([]byte(row[1]))...)
		binary.LittleEndian.PutUint32(packet[0:4], uint32(len(packet)-4))
		packet[3] = c.sequence
		result = append(result, packet...)
	}

	// EOF after rows
	c.sequence++
	eofPacket = WriteEOFPacket(c.status, c.capability)
	eofPacket[3] = c.sequence
	result = append(result, eofPacket...)

	return c.writeRaw(result)
}

func (c *clientConn) readPacket() ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return nil, err
	}

	length := int(uint32(header[0]) | uint32(header[1])<<8 | uint32(header[2])<<16)
	// Read the client's sequence number and use it as base for our response
	c.sequence = header[3]

	payload := make([]byte, length)
	if _, err := io.ReadFull(c.conn, payload); err != nil {
		return nil, err
	}

	return payload, nil
}

func (c *clientConn) writeOK() error {
	c.sequence++
	packet := WriteOKPacket(0, 0, c.status, c.capability)
	packet[3] = c.sequence
	_, err := c.conn.Write(packet)
	return err
}

func (c *clientConn) writeError(e error) error {
	c.sequence++
	packet := WriteErrorPacket(1105, "HY000", e.Error(), c.capability)
	packet[3] = c.sequence
	_, err := c.conn.Write(packet)
	return err
}

func (c *clientConn) writeEOF() error {
	c.sequence++
	packet := WriteEOFPacket(c.status, c.capability)
	packet[3] = c.sequence
	_, err := c.conn.Write(packet)
	return err
}

func (c *clientConn) writeRaw(data []byte) error {
	_, err := c.conn.Write(data)
	return err
}
