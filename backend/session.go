package backend

import (
	"database/sql"
	"fmt"
	"log"

	"github.com/go-sql-driver/mysql"
	"github.com/mevdschee/tqstmtproxy/metrics"
	"github.com/mevdschee/tqstmtproxy/replica"
)

// Session owns the dedicated backend connections of one client connection,
// one per hostgroup, opened lazily on first use. The *sql.Stmt handles it
// prepares are the backend-local side of the statement mapping: they are
// only valid within this session and are never shared across connections.
type Session struct {
	pools  map[uint32]*replica.Pool
	driver string
	dsn    func(addr string) string
	dbs    map[uint32]*sql.DB
}

// New creates a session that connects to MySQL backends with the given
// credentials.
func New(pools map[uint32]*replica.Pool, user, password string) *Session {
	return &Session{
		pools:  pools,
		driver: "mysql",
		dsn: func(addr string) string {
			cfg := mysql.NewConfig()
			cfg.User = user
			cfg.Passwd = password
			cfg.Net = "tcp"
			cfg.Addr = addr
			return cfg.FormatDSN()
		},
		dbs: make(map[uint32]*sql.DB),
	}
}

// NewWithDriver creates a session on an arbitrary database/sql driver.
// Used by tests to run against sqlite instead of a live MySQL server.
func NewWithDriver(driver string, dsn func(addr string) string, pools map[uint32]*replica.Pool) *Session {
	return &Session{
		pools:  pools,
		driver: driver,
		dsn:    dsn,
		dbs:    make(map[uint32]*sql.DB),
	}
}

// DB returns the backend connection for a hostgroup, opening it on first
// use against the hostgroup's primary.
func (s *Session) DB(hostgroup uint32) (*sql.DB, error) {
	if db, ok := s.dbs[hostgroup]; ok {
		return db, nil
	}

	pool, ok := s.pools[hostgroup]
	if !ok {
		return nil, fmt.Errorf("unknown hostgroup %d", hostgroup)
	}

	addr := pool.GetPrimary()
	db, err := sql.Open(s.driver, s.dsn(addr))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to hostgroup %d backend %s: %v", hostgroup, addr, err)
	}
	metrics.BackendQueries.WithLabelValues(fmt.Sprint(hostgroup), "primary").Inc()
	s.dbs[hostgroup] = db
	return db, nil
}

// Prepare physically prepares a statement on the hostgroup's backend and
// returns the backend-local handle.
func (s *Session) Prepare(hostgroup uint32, query string) (*sql.Stmt, error) {
	db, err := s.DB(hostgroup)
	if err != nil {
		return nil, err
	}
	st, err := db.Prepare(query)
	if err != nil {
		return nil, err
	}
	metrics.BackendQueries.WithLabelValues(fmt.Sprint(hostgroup), "primary").Inc()
	return st, nil
}

// Close closes all backend connections held by this session
func (s *Session) Close() {
	for hostgroup, db := range s.dbs {
		if err := db.Close(); err != nil {
			log.Printf("[Backend] Error closing hostgroup %d connection: %v", hostgroup, err)
		}
	}
	s.dbs = make(map[uint32]*sql.DB)
}
