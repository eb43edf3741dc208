/*
Package protocol implements the TLV (Type-Length-Value) record encoding used
for persisted edit events and snapshots.

A record is a one-byte type tag ('A'..'Z'), an unsigned varint body length,
and the body itself. Records nest: a compound record's body is a sequence of
inner records. The encoding is self-delimiting, so a value read back from
storage can be walked record by record without a schema.

Two levels of parsing are provided: Take/TakeAny return nil on malformed
input (for data this process wrote itself), while TakeWary returns explicit
errors (for data that crossed a trust boundary).
*/
package protocol

import (
	"encoding/binary"
	"errors"
)

var (
	ErrBadRecord  = errors.New("bad TLV record")
	ErrIncomplete = errors.New("incomplete TLV record")
)

// ProbeHeader reads a record header without consuming the body.
// Returns lit==0 on incomplete input and lit=='-' on malformed input.
func ProbeHeader(data []byte) (lit byte, hdrlen, bodylen int) {
	if len(data) == 0 {
		return 0, 0, 0
	}
	lit = data[0]
	if lit < 'A' || lit > 'Z' {
		return '-', 0, 0
	}
	blen, n := binary.Uvarint(data[1:])
	if n == 0 {
		return 0, 0, 0
	}
	if n < 0 || blen > 0x7fffffff {
		return '-', 0, 0
	}
	return lit, 1 + n, int(blen)
}

// AppendHeader appends a record header for a body of the given length.
func AppendHeader(into []byte, lit byte, bodylen int) []byte {
	if lit < 'A' || lit > 'Z' {
		panic("TLV record type is A..Z")
	}
	into = append(into, lit)
	return binary.AppendUvarint(into, uint64(bodylen))
}

// Append appends a complete record, header and body parts.
func Append(into []byte, lit byte, body ...[]byte) []byte {
	into = AppendHeader(into, lit, TotalLen(body))
	for _, b := range body {
		into = append(into, b...)
	}
	return into
}

// Record creates a complete TLV record.
func Record(lit byte, body ...[]byte) []byte {
	total := TotalLen(body)
	ret := make([]byte, 0, total+binary.MaxVarintLen32+1)
	return Append(ret, lit, body...)
}

// Take extracts the body of a record of the given type from trusted data.
// Returns (nil, data) on incomplete input, (nil, nil) on a type mismatch.
func Take(lit byte, data []byte) (body, rest []byte) {
	flit, hdrlen, bodylen := ProbeHeader(data)
	if flit == 0 || hdrlen+bodylen > len(data) {
		return nil, data
	}
	if flit != lit {
		return nil, nil
	}
	return data[hdrlen : hdrlen+bodylen], data[hdrlen+bodylen:]
}

// TakeAny extracts the next record of whatever type from trusted data.
func TakeAny(data []byte) (lit byte, body, rest []byte) {
	if len(data) == 0 {
		return 0, nil, nil
	}
	flit, hdrlen, bodylen := ProbeHeader(data)
	if flit == 0 || flit == '-' || hdrlen+bodylen > len(data) {
		return 0, nil, nil
	}
	return flit, data[hdrlen : hdrlen+bodylen], data[hdrlen+bodylen:]
}

// TakeWary extracts a record from untrusted data with explicit errors.
func TakeWary(lit byte, data []byte) (body, rest []byte, err error) {
	flit, hdrlen, bodylen := ProbeHeader(data)
	if flit == '-' {
		return nil, nil, ErrBadRecord
	}
	if flit == 0 || hdrlen+bodylen > len(data) {
		return nil, data, ErrIncomplete
	}
	if flit != lit {
		return nil, nil, ErrBadRecord
	}
	return data[hdrlen : hdrlen+bodylen], data[hdrlen+bodylen:], nil
}

// Lit returns the type tag of a record, or '-' if the input is not a record.
func Lit(rec []byte) byte {
	if len(rec) == 0 || rec[0] < 'A' || rec[0] > 'Z' {
		return '-'
	}
	return rec[0]
}

// TotalLen sums the lengths of the given byte slices.
func TotalLen(inputs [][]byte) (sum int) {
	for _, b := range inputs {
		sum += len(b)
	}
	return
}

// Uint64 encodes an integer as a minimal big-endian byte string, so that
// encoded values sort in numeric order.
func Uint64(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	i := 0
	for i < 7 && buf[i] == 0 {
		i++
	}
	return buf[i:]
}

// UnUint64 decodes a big-endian byte string produced by Uint64.
func UnUint64(b []byte) (v uint64) {
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return
}
