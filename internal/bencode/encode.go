package bencode

import (
	"bytes"
	"strconv"
)

// Encode serializes v. Dictionaries are written in their stored order; callers that
// need canonical (sorted) output must sort the entries themselves.
func Encode(v Value) []byte {
	var buf bytes.Buffer
	encode(&buf, v)
	return buf.Bytes()
}

func encode(buf *bytes.Buffer, v Value) {
	switch v.Kind {
	case KindInt:
		buf.WriteByte('i')
		buf.WriteString(strconv.FormatInt(v.Int, 10))
		buf.WriteByte('e')
	case KindBytes:
		encodeBytes(buf, v.Bytes)
	case KindList:
		buf.WriteByte('l')
		for _, item := range v.List {
			encode(buf, item)
		}
		buf.WriteByte('e')
	case KindDict:
		buf.WriteByte('d')
		for _, e := range v.Dict {
			encodeBytes(buf, []byte(e.Key))
			encode(buf, e.Value)
		}
		buf.WriteByte('e')
	}
}

func encodeBytes(buf *bytes.Buffer, b []byte) {
	buf.WriteString(strconv.Itoa(len(b)))
	buf.WriteByte(':')
	buf.Write(b)
}
