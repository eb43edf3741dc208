// Package ot defines the pluggable merge contract used by the version
// authority and provides the default plain-text implementation.
//
// Op payloads are opaque byte strings to the rest of the system. The text
// implementation encodes them as "i,<pos>,<text>" for insertions and
// "d,<pos>,<len>" for deletions.
package ot

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrBadOp       = errors.New("malformed op")
	ErrOutOfBounds = errors.New("op out of bounds")
)

// Op is a single text operation.
type Op interface {
	Encode() string
	Apply(s string) (string, error)
}

// Insert represents a text insertion.
type Insert struct {
	Pos   int
	Value string
}

func (op *Insert) Encode() string {
	return fmt.Sprintf("i,%d,%s", op.Pos, op.Value)
}

func (op *Insert) Apply(s string) (string, error) {
	if op.Pos < 0 || op.Pos > len(s) {
		return "", fmt.Errorf("%w: insert at %d, len %d", ErrOutOfBounds, op.Pos, len(s))
	}
	return s[:op.Pos] + op.Value + s[op.Pos:], nil
}

// Delete represents a text deletion.
type Delete struct {
	Pos int
	Len int
}

func (op *Delete) Encode() string {
	return fmt.Sprintf("d,%d,%d", op.Pos, op.Len)
}

func (op *Delete) Apply(s string) (string, error) {
	if op.Pos < 0 || op.Len < 0 || op.Pos+op.Len > len(s) {
		return "", fmt.Errorf("%w: delete [%d,%d), len %d", ErrOutOfBounds, op.Pos, op.Pos+op.Len, len(s))
	}
	return s[:op.Pos] + s[op.Pos+op.Len:], nil
}

// Decode parses an encoded op payload.
func Decode(payload []byte) (Op, error) {
	parts := strings.SplitN(string(payload), ",", 3)
	if len(parts) < 3 {
		return nil, fmt.Errorf("%w: %q", ErrBadOp, payload)
	}
	pos, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrBadOp, payload)
	}
	switch parts[0] {
	case "i":
		return &Insert{pos, parts[2]}, nil
	case "d":
		length, err := strconv.Atoi(parts[2])
		if err != nil || length < 0 {
			return nil, fmt.Errorf("%w: %q", ErrBadOp, payload)
		}
		return &Delete{pos, length}, nil
	default:
		return nil, fmt.Errorf("%w: unknown op type %q", ErrBadOp, parts[0])
	}
}
