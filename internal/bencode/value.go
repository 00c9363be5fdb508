// Package bencode implements the nested value format used by .torrent files and
// HTTP tracker responses. Dictionaries keep the order their keys were parsed in so
// that re-encoding a decoded value reproduces the original bytes.
package bencode

type Kind uint8

const (
	KindInt Kind = iota + 1
	KindBytes
	KindList
	KindDict
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "integer"
	case KindBytes:
		return "string"
	case KindList:
		return "list"
	case KindDict:
		return "dictionary"
	default:
		return "invalid"
	}
}

// Value is a decoded bencode value. Only the field selected by Kind is set.
type Value struct {
	Kind  Kind
	Int   int64
	Bytes []byte
	List  []Value
	Dict  []Entry
}

type Entry struct {
	Key   string
	Value Value
}

func Int(n int64) Value {
	return Value{Kind: KindInt, Int: n}
}

func String(s string) Value {
	return Value{Kind: KindBytes, Bytes: []byte(s)}
}

func Bytes(b []byte) Value {
	if b == nil {
		b = []byte{}
	}
	return Value{Kind: KindBytes, Bytes: b}
}

func List(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{Kind: KindList, List: items}
}

func Dict(entries ...Entry) Value {
	if entries == nil {
		entries = []Entry{}
	}
	return Value{Kind: KindDict, Dict: entries}
}

func E(key string, value Value) Entry {
	return Entry{Key: key, Value: value}
}

// Get returns the value stored under key in a dictionary.
func (v Value) Get(key string) (Value, bool) {
	if v.Kind != KindDict {
		return Value{}, false
	}
	for _, e := range v.Dict {
		if e.Key == key {
			return e.Value, true
		}
	}
	return Value{}, false
}

// Str returns the byte string as a Go string, or "" for any other kind.
func (v Value) Str() string {
	if v.Kind != KindBytes {
		return ""
	}
	return string(v.Bytes)
}
