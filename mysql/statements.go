package mysql

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mevdschee/tqstmtproxy/cache"
	"github.com/mevdschee/tqstmtproxy/metrics"
	"github.com/mevdschee/tqstmtproxy/parser"
	"github.com/mevdschee/tqstmtproxy/stmt"
)

// handlePrepare serves COM_STMT_PREPARE. The statement is registered with
// the global registry (or deduplicated against a live descriptor with the
// same hostgroup, user, schema and query), physically prepared on this
// connection's backend if not already, and the stable statement id is
// returned to the client instead of any backend-local id.
func (c *clientConn) handlePrepare(query string) error {
	desc, err := c.registerPrepare(query)
	if err != nil {
		return err
	}

	c.sequence++
	packet := WritePrepareOKPacket(desc.StatementID, 0, desc.NumParams, desc.WarningCount)
	packet[3] = c.sequence
	result := packet

	// Parameter definition packets; column definitions are sent with the
	// execute's result set instead (shape is unknown until first execute)
	if desc.NumParams > 0 {
		for i := uint16(0); i < desc.NumParams; i++ {
			c.sequence++
			packet = WriteFieldPacket("?")
			packet[3] = c.sequence
			result = append(result, packet...)
		}
		c.sequence++
		eofPacket := WriteEOFPacket(c.status, c.capability)
		eofPacket[3] = c.sequence
		result = append(result, eofPacket...)
	}

	return c.writeRaw(result)
}

// registerPrepare runs the register-or-reuse flow and keeps the shared
// reference count equal to the number of connection-local mappings: a new
// local mapping keeps the add's increment, a prepare for a statement this
// connection already holds gives the increment back.
func (c *clientConn) registerPrepare(query string) (*stmt.Descriptor, error) {
	parsed := parser.Parse(query)

	hostgroup := c.defaultHostgroup
	if parsed.Hostgroup >= 0 {
		hostgroup = uint32(parsed.Hostgroup)
	}

	meta := stmt.BackendMeta{
		NumParams: uint16(parser.CountParams(parsed.Query)),
	}
	props := stmt.Properties{
		CacheTTL: parsed.TTL,
		Timeout:  parsed.Timeout,
		Delay:    parsed.Delay,
	}

	desc, created := c.registry.AddPreparedStatement(hostgroup, c.user, c.db, parsed.Query, meta, props)
	metrics.StmtPrepareTotal.WithLabelValues(fmt.Sprint(hostgroup), fmt.Sprint(!created)).Inc()
	metrics.StmtIssued.Set(float64(c.registry.TotalPreparedStatements()))

	if _, ok := c.local.Find(desc.StatementID); ok {
		// Already prepared on this connection; no new local mapping, so
		// the add's increment has nothing to account for
		c.registry.RefCount(desc.StatementID, -1)
		return desc, nil
	}

	st, err := c.session.Prepare(hostgroup, desc.Query)
	if err != nil {
		// Roll back the registration; if this was the first reference the
		// descriptor is destroyed here
		c.registry.RefCount(desc.StatementID, -1)
		metrics.StmtLive.Set(float64(c.registry.Live()))
		return nil, err
	}

	c.local.Insert(desc.StatementID, st)
	metrics.StmtLive.Set(float64(c.registry.Live()))
	return desc, nil
}

// handleExecute serves COM_STMT_EXECUTE. The stable id is resolved through
// the registry; if this connection has no backend-local handle yet the
// statement is lazily re-prepared from the descriptor's cached query text.
func (c *clientConn) handleExecute(data []byte) error {
	if len(data) < 9 {
		return fmt.Errorf("malformed execute packet")
	}
	statementID := binary.LittleEndian.Uint32(data[0:4])
	// data[4] is the cursor flag, data[5:9] the iteration count; neither is
	// supported beyond the defaults

	desc, ok := c.registry.FindByStatementID(statementID)
	if !ok {
		return fmt.Errorf("unknown prepared statement handler (%d) given to EXECUTE", statementID)
	}

	args, types, err := ParseStmtExecuteArgs(data[9:], int(desc.NumParams), c.paramTypes[statementID])
	if err != nil {
		return err
	}
	c.paramTypes[statementID] = types

	start := time.Now()
	hostgroupLabel := fmt.Sprint(desc.HostgroupID)

	// The delay policy is applied before anything else
	if desc.Properties.Delay > 0 {
		time.Sleep(time.Duration(desc.Properties.Delay) * time.Millisecond)
	}

	isSelect := strings.HasPrefix(strings.ToUpper(strings.TrimSpace(desc.Query)), "SELECT")
	cacheable := isSelect && desc.Properties.CacheTTL > 0

	var cacheKey string
	if cacheable {
		cacheKey = cache.ExecuteKey(statementID, args)
		if cached, ok := c.cache.Get(cacheKey); ok {
			metrics.StmtExecuteTotal.WithLabelValues(hostgroupLabel, "true").Inc()
			metrics.ExecuteLatency.WithLabelValues(hostgroupLabel).Observe(time.Since(start).Seconds())
			c.lastQueryBackend = "cache"
			c.lastQueryCacheHit = true
			return c.writeRaw(cached)
		}
	}

	st, err := c.stmtForExecute(desc)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if desc.Properties.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(desc.Properties.Timeout)*time.Millisecond)
		defer cancel()
	}

	c.lastQueryBackend = "primary"
	c.lastQueryCacheHit = false

	if !isSelect {
		result, err := st.ExecContext(ctx, args...)
		if err != nil {
			return err
		}
		affectedRows, _ := result.RowsAffected()
		lastInsertId, _ := result.LastInsertId()

		metrics.StmtExecuteTotal.WithLabelValues(hostgroupLabel, "false").Inc()
		metrics.ExecuteLatency.WithLabelValues(hostgroupLabel).Observe(time.Since(start).Seconds())

		c.sequence++
		okPacket := WriteOKPacket(uint64(affectedRows), uint64(lastInsertId), c.status, c.capability)
		okPacket[3] = c.sequence
		return c.writeRaw(okPacket)
	}

	rows, err := st.QueryContext(ctx, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	result, err := c.buildBinaryResultSet(desc, rows)
	if err != nil {
		return err
	}

	metrics.StmtExecuteTotal.WithLabelValues(hostgroupLabel, "false").Inc()
	metrics.ExecuteLatency.WithLabelValues(hostgroupLabel).Observe(time.Since(start).Seconds())

	if cacheable {
		c.cache.Set(cacheKey, result, time.Duration(desc.Properties.CacheTTL)*time.Second)
	}

	return c.writeRaw(result)
}

// stmtForExecute returns this connection's backend-local handle for the
// statement, re-preparing it from the descriptor's cached query text when
// the local table has no mapping (the statement was prepared while another
// connection served the client, or never on this one).
func (c *clientConn) stmtForExecute(desc *stmt.Descriptor) (*sql.Stmt, error) {
	if st, ok := c.local.Find(desc.StatementID); ok {
		return st, nil
	}

	st, err := c.session.Prepare(desc.HostgroupID, desc.Query)
	if err != nil {
		return nil, err
	}
	if c.local.Insert(desc.StatementID, st) {
		// A new local mapping holds a new reference
		c.registry.RefCount(desc.StatementID, 1)
	}
	metrics.StmtReprepareTotal.WithLabelValues(fmt.Sprint(desc.HostgroupID)).Inc()
	return st, nil
}

// buildBinaryResultSet encodes a result set in the binary protocol used for
// COM_STMT_EXECUTE responses. The first result also records the statement's
// column shape on the descriptor so other connections can learn it without
// executing.
func (c *clientConn) buildBinaryResultSet(desc *stmt.Descriptor, rows *sql.Rows) ([]byte, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	if c.registry.FillResultMeta(desc.StatementID, uint16(len(columns)), FieldsForColumns(columns)) {
		log.Printf("[MySQL] Recorded result shape for stmt %d: %d columns", desc.StatementID, len(columns))
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
		c.sequence++
		packet = WriteFieldPacket(col)
		packet[3] = c.sequence
		result = append(result, packet...)
	}

	// EOF packet after columns
	c.sequence++
	eofPacket := WriteEOFPacket(c.status, c.capability)
	eofPacket[3] = c.sequence
	result = append(result, eofPacket...)

	// Binary row packets
	values := make([]any, len(columns))
	valuePtrs := make([]any, len(columns))
	for i := range values {
		valuePtrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, err
		}

		strs := make([]*string, len(columns))
		for i, val := range values {
			if val == nil {
				continue
			}
			var str string
			switch v := val.(type) {
			case []byte:
				str = string(v)
			default:
				str = fmt.Sprintf("%v", v)
			}
			strs[i] = &str
		}

		c.sequence++
		packet = WriteBinaryRowPacket(strs)
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

// handleStmtClose serves COM_STMT_CLOSE. The protocol sends no response.
func (c *clientConn) handleStmtClose(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("malformed close packet")
	}
	statementID := binary.LittleEndian.Uint32(data[0:4])
	c.closeStatement(statementID)
	return nil
}

// handleStmtReset serves COM_STMT_RESET: long data and cursors are not
// supported, so resetting only drops remembered parameter types.
func (c *clientConn) handleStmtReset(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("malformed reset packet")
	}
	statementID := binary.LittleEndian.Uint32(data[0:4])
	if _, ok := c.registry.FindByStatementID(statementID); !ok {
		return fmt.Errorf("unknown prepared statement handler (%d) given to RESET", statementID)
	}
	delete(c.paramTypes, statementID)
	return c.writeOK()
}

// closeStatement removes this connection's mapping for a stable id, closes
// the backend-local handle and gives back the reference. Closing an id this
// connection does not hold is a no-op, matching the protocol's fire-and-
// forget close semantics.
func (c *clientConn) closeStatement(statementID uint32) {
	if st, ok := c.local.Find(statementID); ok {
		if err := st.Close(); err != nil {
			log.Printf("[MySQL] Error closing backend stmt %d (conn %d): %v", statementID, c.connID, err)
		}
		c.local.Erase(statementID)
		c.registry.RefCount(statementID, -1)
	}
	delete(c.paramTypes, statementID)
	metrics.StmtCloseTotal.Inc()
	metrics.StmtLive.Set(float64(c.registry.Live()))
}

// teardown drains the local table on connection close, decrementing the
// registry once per mapping still present.
func (c *clientConn) teardown() {
	for statementID, st := range c.local.Drain() {
		if err := st.Close(); err != nil {
			log.Printf("[MySQL] Error closing backend stmt %d on teardown (conn %d): %v", statementID, c.connID, err)
		}
		c.registry.RefCount(statementID, -1)
	}
	metrics.StmtLive.Set(float64(c.registry.Live()))
}
