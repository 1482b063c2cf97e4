package collection

import (
	"encoding/binary"
	"fmt"
)

// handleIndex is memdb's mandatory "id" index. Handles are encoded big-endian
// so iterating it yields insertion order.
const handleIndex = "id"

func fieldIndex(field string) string { return "by_" + field }

type handleIndexer struct{}

func (handleIndexer) FromObject(raw any) (bool, []byte, error) {
	doc, ok := raw.(interface{ Metadata() *Meta })
	if !ok {
		return false, nil, fmt.Errorf("%T does not carry storage metadata", raw)
	}
	return true, binary.BigEndian.AppendUint64(nil, doc.Metadata().Handle), nil
}

func (handleIndexer) FromArgs(args ...any) ([]byte, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("handle index takes one argument, got %d", len(args))
	}
	handle, ok := args[0].(uint64)
	if !ok {
		return nil, fmt.Errorf("handle must be uint64, got %T", args[0])
	}
	return binary.BigEndian.AppendUint64(nil, handle), nil
}

// keyIndexer indexes documents by a string key. Keys are null terminated the
// way memdb's StringFieldIndex does it, so prefix scans on non-unique indices
// never match a longer key.
type keyIndexer[D Document] struct {
	key func(D) string
}

func (k keyIndexer[D]) FromObject(raw any) (bool, []byte, error) {
	doc, ok := raw.(D)
	if !ok {
		return false, nil, fmt.Errorf("unexpected document type %T", raw)
	}
	return true, append([]byte(k.key(doc)), 0), nil
}

func (k keyIndexer[D]) FromArgs(args ...any) ([]byte, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("key index takes one argument, got %d", len(args))
	}
	key, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("key must be a string, got %T", args[0])
	}
	return append([]byte(key), 0), nil
}
