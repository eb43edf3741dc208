package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecordRoundtrip(t *testing.T) {
	rec := Record('E', []byte("hello"))
	assert.Equal(t, byte('E'), Lit(rec))
	body, rest := Take('E', rec)
	assert.Equal(t, []byte("hello"), body)
	assert.Empty(t, rest)
}

func TestNestedRecords(t *testing.T) {
	inner1 := Record('V', Uint64(42))
	inner2 := Record('O', []byte("i,0,hi"))
	outer := Record('E', inner1, inner2)

	body, rest := Take('E', outer)
	assert.Empty(t, rest)

	v, body := Take('V', body)
	assert.Equal(t, uint64(42), UnUint64(v))
	o, body := Take('O', body)
	assert.Equal(t, "i,0,hi", string(o))
	assert.Empty(t, body)
}

func TestTakeMismatch(t *testing.T) {
	rec := Record('E', []byte("x"))
	body, rest := Take('S', rec)
	assert.Nil(t, body)
	assert.Nil(t, rest)
}

func TestTakeIncomplete(t *testing.T) {
	rec := Record('E', make([]byte, 300))
	body, rest := Take('E', rec[:5])
	assert.Nil(t, body)
	assert.Equal(t, rec[:5], rest)

	_, _, err := TakeWary('E', rec[:5])
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestTakeWaryBadType(t *testing.T) {
	_, _, err := TakeWary('E', []byte{'~', 1, 0})
	assert.ErrorIs(t, err, ErrBadRecord)
}

func TestTakeAny(t *testing.T) {
	buf := Append(nil, 'A', []byte("one"))
	buf = Append(buf, 'B', []byte("two"))

	lit, body, rest := TakeAny(buf)
	assert.Equal(t, byte('A'), lit)
	assert.Equal(t, "one", string(body))

	lit, body, rest = TakeAny(rest)
	assert.Equal(t, byte('B'), lit)
	assert.Equal(t, "two", string(body))
	assert.Empty(t, rest)
}

func TestUint64Ordering(t *testing.T) {
	assert.Equal(t, uint64(0), UnUint64(Uint64(0)))
	prev := Uint64(0)
	for _, v := range []uint64{1, 255, 256, 1 << 20, 1 << 40, 1<<64 - 1} {
		cur := Uint64(v)
		assert.Equal(t, v, UnUint64(cur))
		if len(prev) == len(cur) {
			assert.True(t, string(prev) < string(cur))
		} else {
			assert.Less(t, len(prev), len(cur))
		}
		prev = cur
	}
}
