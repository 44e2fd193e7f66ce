package mysql

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/mevdschee/tqstmtproxy/stmt"
)

// MySQL protocol constants
const (
	OK_HEADER  = 0x00
	ERR_HEADER = 0xff
	EOF_HEADER = 0xfe

	// Server capabilities
	CLIENT_LONG_PASSWORD     = 0x00000001
	CLIENT_FOUND_ROWS        = 0x00000002
	CLIENT_LONG_FLAG         = 0x00000004
	CLIENT_CONNECT_WITH_DB   = 0x00000008
	CLIENT_PROTOCOL_41       = 0x00000200
	CLIENT_TRANSACTIONS      = 0x00002000
	CLIENT_SECURE_CONNECTION = 0x00008000
	CLIENT_PS_MULTI_RESULTS  = 0x00040000
	CLIENT_DEPRECATE_EOF     = 0x01000000

	// Default server capability
	DEFAULT_CAPABILITY = CLIENT_LONG_PASSWORD | CLIENT_LONG_FLAG |
		CLIENT_CONNECT_WITH_DB | CLIENT_PROTOCOL_41 |
		CLIENT_TRANSACTIONS | CLIENT_SECURE_CONNECTION

	// Server status flags
	SERVER_STATUS_IN_TRANS   = 0x0001
	SERVER_STATUS_AUTOCOMMIT = 0x0002

	// Column type used for all proxied result columns and parameters
	TYPE_VAR_STRING = 0xfd

	// Binary parameter types (subset relevant to COM_STMT_EXECUTE)
	fieldTypeNull       = 0x06
	fieldTypeTiny       = 0x01
	fieldTypeShort      = 0x02
	fieldTypeLong       = 0x03
	fieldTypeFloat      = 0x04
	fieldTypeDouble     = 0x05
	fieldTypeLongLong   = 0x08
	fieldTypeInt24      = 0x09
	fieldTypeYear       = 0x0d
	fieldTypeVarchar    = 0x0f
	fieldTypeNewDecimal = 0xf6
	fieldTypeBlob       = 0xfc
	fieldTypeVarString  = 0xfd
	fieldTypeString     = 0xfe
	fieldTypeTinyBlob   = 0xf9
	fieldTypeMedBlob    = 0xfa
	fieldTypeLongBlob   = 0xfb
	fieldTypeDecimal    = 0x00
)

var ServerVersion = []byte("5.7.0-tqstmtproxy")

// GenerateSalt generates a 20-byte random salt for authentication
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, 20)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	// Ensure no null bytes
	for i := range salt {
		if salt[i] == 0 {
			salt[i] = 'a'
		}
	}
	return salt, nil
}

// CalcPassword calculates the MySQL native password scramble
// scramble = SHA1(salt + SHA1(SHA1(password))) XOR SHA1(password)
func CalcPassword(salt, password []byte) []byte {
	if len(password) == 0 {
		return nil
	}

	crypt := sha1.New()
	crypt.Write(password)
	stage1 := crypt.Sum(nil)

	crypt.Reset()
	crypt.Write(stage1)
	stage2 := crypt.Sum(nil)

	crypt.Reset()
	crypt.Write(salt)
	crypt.Write(stage2)
	scramble := crypt.Sum(nil)

	for i := range scramble {
		scramble[i] ^= stage1[i]
	}
	return scramble
}

// PutLengthEncodedInt encodes an integer as MySQL length-encoded integer
func PutLengthEncodedInt(n uint64) []byte {
	switch {
	case n < 251:
		return []byte{byte(n)}
	case n < 1<<16:
		return []byte{0xfc, byte(n), byte(n >> 8)}
	case n < 1<<24:
		return []byte{0xfd, byte(n), byte(n >> 8), byte(n >> 16)}
	default:
		return []byte{0xfe,
			byte(n), byte(n >> 8), byte(n >> 16), byte(n >> 24),
			byte(n >> 32), byte(n >> 40), byte(n >> 48), byte(n >> 56)}
	}
}

// PutLengthEncodedString encodes a string with its length prefix
func PutLengthEncodedString(s []byte) []byte {
	result := PutLengthEncodedInt(uint64(len(s)))
	return append(result, s...)
}

// WriteOKPacket creates a MySQL OK packet
func WriteOKPacket(affectedRows, insertId uint64, status uint16, capability uint32) []byte {
	data := make([]byte, 4, 32)
	data = append(data, OK_HEADER)
	data = append(data, PutLengthEncodedInt(affectedRows)...)
	data = append(data, PutLengthEncodedInt(insertId)...)

	if capability&CLIENT_PROTOCOL_41 > 0 {
		data = append(data, byte(status), byte(status>>8))
		data = append(data, 0, 0) // warnings
	}

	binary.LittleEndian.PutUint32(data[0:4], uint32(len(data)-4))
	return data
}

// WriteErrorPacket creates a MySQL error packet
func WriteErrorPacket(errno uint16, sqlState, message string, capability uint32) []byte {
	data := make([]byte, 4, 16+len(message))
	data = append(data, ERR_HEADER)
	data = append(data, byte(errno), byte(errno>>8))

	if capability&CLIENT_PROTOCOL_41 > 0 {
		data = append(data, '#')
		data = append(data, []byte(sqlState)...)
	}

	data = append(data, []byte(message)...)

	binary.LittleEndian.PutUint32(data[0:4], uint32(len(data)-4))
	return data
}

// WriteEOFPacket creates a MySQL EOF packet
func WriteEOFPacket(status uint16, capability uint32) []byte {
	data := make([]byte, 4, 9)
	data = append(data, EOF_HEADER)

	if capability&CLIENT_PROTOCOL_41 > 0 {
		data = append(data, 0, 0) // warnings
		data = append(data, byte(status), byte(status>>8))
	}

	binary.LittleEndian.PutUint32(data[0:4], uint32(len(data)-4))
	return data
}

// WritePrepareOKPacket creates the first packet of a COM_STMT_PREPARE
// response: status, the proxy's stable statement id, the column and
// parameter counts and the warning count. Parameter and column definition
// packets follow separately.
func WritePrepareOKPacket(statementID uint32, numColumns, numParams, warningCount uint16) []byte {
	data := make([]byte, 4, 16)
	data = append(data, OK_HEADER)
	data = append(data, byte(statementID), byte(statementID>>8), byte(statementID>>16), byte(statementID>>24))
	data = append(data, byte(numColumns), byte(numColumns>>8))
	data = append(data, byte(numParams), byte(numParams>>8))
	data = append(data, 0) // filler
	data = append(data, byte(warningCount), byte(warningCount>>8))

	binary.LittleEndian.PutUint32(data[0:4], uint32(len(data)-4))
	return data
}

// WriteFieldPacket creates a column (or parameter) definition packet. The
// proxy reports everything as VAR_STRING, the same simplification the text
// result path uses.
func WriteFieldPacket(name string) []byte {
	data := make([]byte, 4, 48+len(name))
	data = append(data, PutLengthEncodedString([]byte("def"))...)  // catalog
	data = append(data, PutLengthEncodedString([]byte(""))...)     // schema
	data = append(data, PutLengthEncodedString([]byte(""))...)     // table
	data = append(data, PutLengthEncodedString([]byte(""))...)     // org_table
	data = append(data, PutLengthEncodedString([]byte(name))...)   // name
	data = append(data, PutLengthEncodedString([]byte(""))...)     // org_name
	data = append(data, 0x0c)                                      // length of fixed fields
	data = append(data, 0x21, 0x00)                                // character set (utf8)
	data = append(data, 0xff, 0xff, 0xff, 0xff)                    // column length
	data = append(data, TYPE_VAR_STRING)                           // type
	data = append(data, 0x00, 0x00)                                // flags
	data = append(data, 0x00)                                      // decimals
	data = append(data, 0x00, 0x00)                                // filler

	binary.LittleEndian.PutUint32(data[0:4], uint32(len(data)-4))
	return data
}

// WriteBinaryRowPacket encodes one row of a binary-protocol result set:
// a 0x00 header, the NULL bitmap (offset 2), then each non-NULL value as a
// length-encoded string (all columns are declared VAR_STRING).
func WriteBinaryRowPacket(values []*string) []byte {
	bitmapLen := (len(values) + 7 + 2) / 8
	data := make([]byte, 4, 16+bitmapLen)
	data = append(data, 0x00)

	bitmap := make([]byte, bitmapLen)
	for i, v := range values {
		if v == nil {
			bitmap[(i+2)/8] |= 1 << (uint(i+2) % 8)
		}
	}
	data = append(data, bitmap...)

	for _, v := range values {
		if v != nil {
			data = append(data, PutLengthEncodedString([]byte(*v))...)
		}
	}

	binary.LittleEndian.PutUint32(data[0:4], uint32(len(data)-4))
	return data
}

// ParseStmtExecuteArgs decodes the parameter block of a COM_STMT_EXECUTE
// payload (everything after the statement id, flags and iteration count):
// NULL bitmap, optional new-params-bound flag with per-parameter types, then
// the values. paramTypes must be the types from the first execute when the
// client does not resend them; the decoded types are returned for the caller
// to keep.
func ParseStmtExecuteArgs(data []byte, numParams int, paramTypes []byte) (args []any, types []byte, err error) {
	if numParams == 0 {
		return nil, paramTypes, nil
	}

	pos := 0
	bitmapLen := (numParams + 7) / 8
	if len(data) < bitmapLen+1 {
		return nil, nil, fmt.Errorf("malformed execute packet: short NULL bitmap")
	}
	nullBitmap := data[pos : pos+bitmapLen]
	pos += bitmapLen

	// new-params-bound flag; types are only sent on the first execute
	if data[pos] == 1 {
		pos++
		if len(data) < pos+numParams*2 {
			return nil, nil, fmt.Errorf("malformed execute packet: short parameter types")
		}
		paramTypes = data[pos : pos+numParams*2]
		pos += numParams * 2
	} else {
		pos++
	}
	if len(paramTypes) < numParams*2 {
		return nil, nil, fmt.Errorf("execute without parameter types")
	}

	values := data[pos:]
	vpos := 0
	args = make([]any, numParams)
	for i := 0; i < numParams; i++ {
		if nullBitmap[i/8]&(1<<(uint(i)%8)) > 0 {
			args[i] = nil
			continue
		}

		tp := paramTypes[i*2]
		unsigned := paramTypes[i*2+1]&0x80 > 0

		switch tp {
		case fieldTypeNull:
			args[i] = nil

		case fieldTypeTiny:
			if len(values) < vpos+1 {
				return nil, nil, fmt.Errorf("malformed execute packet: short tiny value")
			}
			if unsigned {
				args[i] = int64(values[vpos])
			} else {
				args[i] = int64(int8(values[vpos]))
			}
			vpos++

		case fieldTypeShort, fieldTypeYear:
			if len(values) < vpos+2 {
				return nil, nil, fmt.Errorf("malformed execute packet: short short value")
			}
			v := binary.LittleEndian.Uint16(values[vpos : vpos+2])
			if unsigned {
				args[i] = int64(v)
			} else {
				args[i] = int64(int16(v))
			}
			vpos += 2

		case fieldTypeInt24, fieldTypeLong:
			if len(values) < vpos+4 {
				return nil, nil, fmt.Errorf("malformed execute packet: short long value")
			}
			v := binary.LittleEndian.Uint32(values[vpos : vpos+4])
			if unsigned {
				args[i] = int64(v)
			} else {
				args[i] = int64(int32(v))
			}
			vpos += 4

		case fieldTypeLongLong:
			if len(values) < vpos+8 {
				return nil, nil, fmt.Errorf("malformed execute packet: short longlong value")
			}
			v := binary.LittleEndian.Uint64(values[vpos : vpos+8])
			if unsigned && v > math.MaxInt64 {
				args[i] = v
			} else {
				args[i] = int64(v)
			}
			vpos += 8

		case fieldTypeFloat:
			if len(values) < vpos+4 {
				return nil, nil, fmt.Errorf("malformed execute packet: short float value")
			}
			args[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(values[vpos : vpos+4])))
			vpos += 4

		case fieldTypeDouble:
			if len(values) < vpos+8 {
				return nil, nil, fmt.Errorf("malformed execute packet: short double value")
			}
			args[i] = math.Float64frombits(binary.LittleEndian.Uint64(values[vpos : vpos+8]))
			vpos += 8

		case fieldTypeDecimal, fieldTypeNewDecimal, fieldTypeVarchar,
			fieldTypeVarString, fieldTypeString, fieldTypeBlob,
			fieldTypeTinyBlob, fieldTypeMedBlob, fieldTypeLongBlob:
			v, isNull, n := ReadLengthEncodedString(values[vpos:])
			if n == 0 {
				return nil, nil, fmt.Errorf("malformed execute packet: short string value")
			}
			if isNull {
				args[i] = nil
			} else {
				args[i] = string(v)
			}
			vpos += n

		default:
			return nil, nil, fmt.Errorf("unsupported parameter type 0x%02x", tp)
		}
	}

	return args, paramTypes, nil
}

// ReadLengthEncodedInt reads a MySQL length-encoded integer
// Returns: value, isNull, bytesRead
func ReadLengthEncodedInt(b []byte) (uint64, bool, int) {
	if len(b) == 0 {
		return 0, false, 0
	}

	switch b[0] {
	case 0xfb: // NULL
		return 0, true, 1
	case 0xfc: // 2-byte int
		if len(b) < 3 {
			return 0, false, 0
		}
		return uint64(b[1]) | uint64(b[2])<<8, false, 3
	case 0xfd: // 3-byte int
		if len(b) < 4 {
			return 0, false, 0
		}
		return uint64(b[1]) | uint64(b[2])<<8 | uint64(b[3])<<16, false, 4
	case 0xfe: // 8-byte int
		if len(b) < 9 {
			return 0, false, 0
		}
		return uint64(b[1]) | uint64(b[2])<<8 | uint64(b[3])<<16 | uint64(b[4])<<24 |
			uint64(b[5])<<32 | uint64(b[6])<<40 | uint64(b[7])<<48 | uint64(b[8])<<56, false, 9
	default: // 1-byte int
		return uint64(b[0]), false, 1
	}
}

// ReadLengthEncodedString reads a length-prefixed string
// Returns: value, isNull, bytesRead (0 on truncated input)
func ReadLengthEncodedString(b []byte) ([]byte, bool, int) {
	length, isNull, n := ReadLengthEncodedInt(b)
	if n == 0 || isNull {
		return nil, isNull, n
	}
	if len(b) < n+int(length) {
		return nil, false, 0
	}
	return b[n : n+int(length)], false, n + int(length)
}

// FieldsForColumns builds the VAR_STRING field metadata recorded on a
// descriptor from a result's column names.
func FieldsForColumns(columns []string) []stmt.Field {
	fields := make([]stmt.Field, len(columns))
	for i, col := range columns {
		fields[i] = stmt.Field{
			Name:    col,
			Charset: 0x21,
			Length:  0xffffffff,
			Type:    TYPE_VAR_STRING,
		}
	}
	return fields
}
