package taskstore

import (
	"bytes"
	"encoding/json"
	"fmt"

	"pkt.systems/kolabd/internal/protocol"
)

// encodeDocument renders the registry as an indented JSON object whose keys
// follow order, so manager scan order survives a reload.
func encodeDocument(order []string, managers map[string][]protocol.Task) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range order {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		list := managers[name]
		if list == nil {
			list = []protocol.Task{}
		}
		value, err := json.MarshalIndent(list, "  ", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode manager %q: %w", name, err)
		}
		buf.WriteString("\n  ")
		buf.Write(key)
		buf.WriteString(": ")
		buf.Write(value)
	}
	if len(order) > 0 {
		buf.WriteByte('\n')
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// decodeDocument parses a registry document and returns manager names in
// file order. A repeated key keeps its first position and its last value.
func decodeDocument(data []byte) ([]string, map[string][]protocol.Task, error) {
	managers := make(map[string][]protocol.Task)
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if tok == nil {
		return nil, managers, nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, nil, fmt.Errorf("expected object, got %v", tok)
	}
	var order []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		name, ok := tok.(string)
		if !ok {
			return nil, nil, fmt.Errorf("expected manager name, got %v", tok)
		}
		var list []protocol.Task
		if err := dec.Decode(&list); err != nil {
			return nil, nil, fmt.Errorf("decode manager %q: %w", name, err)
		}
		if list == nil {
			list = []protocol.Task{}
		}
		if _, seen := managers[name]; !seen {
			order = append(order, name)
		}
		managers[name] = list
	}
	if _, err := dec.Token(); err != nil {
		return nil, nil, err
	}
	return order, managers, nil
}
