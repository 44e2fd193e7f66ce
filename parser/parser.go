package parser

import (
	"regexp"
	"strconv"
	"strings"
)

// QueryType represents the type of SQL query
type QueryType int

const (
	QueryUnknown QueryType = iota
	QuerySelect
	QueryInsert
	QueryUpdate
	QueryDelete
)

// ParsedQuery contains extracted information from a SQL query
type ParsedQuery struct {
	Type      QueryType
	TTL       int    // result cache TTL in seconds, 0 means no caching
	Timeout   int    // query timeout in ms, 0 means no limit
	Delay     int    // artificial execution delay in ms
	Hostgroup int    // target hostgroup from hint, -1 means not specified
	File      string // source file from hint
	Line      int    // source line from hint
	Query     string // query with the hint comment stripped
}

var (
	// Match /* ttl:60 */ or /* hg:2 ttl:60 timeout:100 delay:5 file:user.go line:42 */
	hintRegex = regexp.MustCompile(`/\*\s*(hg:(\d+))?\s*(ttl:(\d+))?\s*(timeout:(\d+))?\s*(delay:(\d+))?\s*(file:(\S+))?\s*(line:(\d+))?\s*\*/`)
	// Match query type (allows comments before keyword)
	queryTypeRegex = regexp.MustCompile(`(?i)\b(SELECT|INSERT|UPDATE|DELETE)\b`)
)

// Parse extracts metadata from a SQL query
func Parse(query string) *ParsedQuery {
	p := &ParsedQuery{
		Query:     query,
		Type:      QueryUnknown,
		Hostgroup: -1,
	}

	// Determine query type
	if matches := queryTypeRegex.FindStringSubmatch(query); matches != nil {
		switch strings.ToUpper(matches[1]) {
		case "SELECT":
			p.Type = QuerySelect
		case "INSERT":
			p.Type = QueryInsert
		case "UPDATE":
			p.Type = QueryUpdate
		case "DELETE":
			p.Type = QueryDelete
		}
	}

	// Extract hints from comments
	if matches := hintRegex.FindStringSubmatch(query); matches != nil {
		if matches[2] != "" {
			p.Hostgroup, _ = strconv.Atoi(matches[2])
		}
		if matches[4] != "" {
			p.TTL, _ = strconv.Atoi(matches[4])
		}
		if matches[6] != "" {
			p.Timeout, _ = strconv.Atoi(matches[6])
		}
		if matches[8] != "" {
			p.Delay, _ = strconv.Atoi(matches[8])
		}
		if matches[10] != "" {
			p.File = matches[10]
		}
		if matches[12] != "" {
			p.Line, _ = strconv.Atoi(matches[12])
		}
		// Remove the hint comment from the query
		p.Query = hintRegex.ReplaceAllString(query, "")
		p.Query = strings.TrimSpace(p.Query)
	}

	// TTL is silently ignored for writes
	if p.IsWritable() && p.TTL > 0 {
		p.TTL = 0
	}

	return p
}

// IsCacheable returns true if query results can be cached
func (p *ParsedQuery) IsCacheable() bool {
	return p.Type == QuerySelect && p.TTL > 0
}

// IsWritable returns true if query is a write operation (INSERT, UPDATE, DELETE)
func (p *ParsedQuery) IsWritable() bool {
	return p.Type == QueryInsert ||
		p.Type == QueryUpdate ||
		p.Type == QueryDelete
}

// CountParams counts the ? placeholders in a query, skipping string
// literals and line comments. Used to answer a prepare before the backend
// has reported the parameter count.
func CountParams(query string) int {
	n := 0
	var inSingle, inDouble, inComment bool
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case inComment:
			if c == '\n' {
				inComment = false
			}
		case inSingle:
			if c == '\\' {
				i++
			} else if c == '\'' {
				inSingle = false
			}
		case inDouble:
			if c == '\\' {
				i++
			} else if c == '"' {
				inDouble = false
			}
		case c == '\'':
			inSingle = true
		case c == '"':
			inDouble = true
		case c == '-' && i+1 < len(query) && query[i+1] == '-':
			inComment = true
		case c == '?':
			n++
		}
	}
	return n
}
