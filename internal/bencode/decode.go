package bencode

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/WendelHime/gotorrent/v2/internal/shared/models"
)

// Decode parses exactly one value from b. Trailing bytes are an error.
func Decode(b []byte) (Value, error) {
	v, n, err := DecodePrefix(b)
	if err != nil {
		return Value{}, err
	}
	if n != len(b) {
		return Value{}, fmt.Errorf("%w: %d trailing bytes after value", models.ErrDecode, len(b)-n)
	}
	return v, nil
}

// DecodePrefix parses one value from the start of b and returns the number of bytes
// it consumed.
func DecodePrefix(b []byte) (Value, int, error) {
	d := decoder{buf: b}
	v, err := d.value()
	if err != nil {
		return Value{}, 0, err
	}
	return v, d.pos, nil
}

// MaxDepth bounds how deeply lists and dictionaries may nest.
const MaxDepth = 256

type decoder struct {
	buf   []byte
	pos   int
	depth int
}

func (d *decoder) errorf(format string, args ...any) error {
	return fmt.Errorf("%w: offset %d: %s", models.ErrDecode, d.pos, fmt.Sprintf(format, args...))
}

func (d *decoder) value() (Value, error) {
	if d.pos >= len(d.buf) {
		return Value{}, d.errorf("unexpected end of input")
	}
	switch c := d.buf[d.pos]; {
	case c == 'i':
		return d.integer()
	case c == 'l' || c == 'd':
		if d.depth == MaxDepth {
			return Value{}, d.errorf("nesting deeper than %d", MaxDepth)
		}
		d.depth++
		defer func() { d.depth-- }()
		if c == 'l' {
			return d.list()
		}
		return d.dict()
	case c >= '0' && c <= '9':
		s, err := d.bytes()
		if err != nil {
			return Value{}, err
		}
		return Bytes(s), nil
	default:
		return Value{}, d.errorf("invalid type tag %q", c)
	}
}

func (d *decoder) integer() (Value, error) {
	d.pos++ // 'i'
	end := bytes.IndexByte(d.buf[d.pos:], 'e')
	if end == -1 {
		return Value{}, d.errorf("integer has no terminating 'e'")
	}
	digits := d.buf[d.pos : d.pos+end]
	if !canonicalInt(digits) {
		return Value{}, d.errorf("invalid integer %q", digits)
	}
	n, err := strconv.ParseInt(string(digits), 10, 64)
	if err != nil {
		return Value{}, d.errorf("invalid integer %q: %v", digits, err)
	}
	d.pos += end + 1
	return Int(n), nil
}

// canonicalInt rejects forms that would not re-encode to the same bytes.
func canonicalInt(digits []byte) bool {
	if len(digits) > 0 && digits[0] == '-' {
		digits = digits[1:]
		if len(digits) > 0 && digits[0] == '0' {
			return false
		}
	}
	if len(digits) == 0 || (digits[0] == '0' && len(digits) > 1) {
		return false
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func (d *decoder) bytes() ([]byte, error) {
	colon := bytes.IndexByte(d.buf[d.pos:], ':')
	if colon == -1 {
		return nil, d.errorf("string length has no ':' separator")
	}
	prefix := d.buf[d.pos : d.pos+colon]
	if len(prefix) == 0 || (prefix[0] == '0' && len(prefix) > 1) {
		return nil, d.errorf("invalid string length %q", prefix)
	}
	length, err := strconv.ParseUint(string(prefix), 10, 63)
	if err != nil {
		return nil, d.errorf("invalid string length %q", prefix)
	}
	start := d.pos + colon + 1
	if length > uint64(len(d.buf)-start) {
		return nil, d.errorf("string length %d exceeds remaining %d bytes", length, len(d.buf)-start)
	}
	end := start + int(length)
	s := make([]byte, length)
	copy(s, d.buf[start:end])
	d.pos = end
	return s, nil
}

func (d *decoder) list() (Value, error) {
	d.pos++ // 'l'
	items := []Value{}
	for {
		if d.pos >= len(d.buf) {
			return Value{}, d.errorf("unterminated list")
		}
		if d.buf[d.pos] == 'e' {
			d.pos++
			return List(items...), nil
		}
		item, err := d.value()
		if err != nil {
			return Value{}, err
		}
		items = append(items, item)
	}
}

func (d *decoder) dict() (Value, error) {
	d.pos++ // 'd'
	entries := []Entry{}
	for {
		if d.pos >= len(d.buf) {
			return Value{}, d.errorf("unterminated dictionary")
		}
		c := d.buf[d.pos]
		if c == 'e' {
			d.pos++
			return Dict(entries...), nil
		}
		if c < '0' || c > '9' {
			return Value{}, d.errorf("dictionary key must be a string, got %q", c)
		}
		key, err := d.bytes()
		if err != nil {
			return Value{}, err
		}
		value, err := d.value()
		if err != nil {
			return Value{}, err
		}
		entries = append(entries, E(string(key), value))
	}
}
