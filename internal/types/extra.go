package types

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strings"
	"sync"
)

var knownFieldsCache sync.Map // reflect.Type -> map[string]struct{}

// knownFields returns the JSON names of the fields of struct type t.
func knownFields(t reflect.Type) map[string]struct{} {
	if cached, ok := knownFieldsCache.Load(t); ok {
		return cached.(map[string]struct{})
	}
	names := make(map[string]struct{}, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("json")
		if tag == "-" || !f.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(tag, ",")
		if name == "" {
			name = f.Name
		}
		names[name] = struct{}{}
	}
	knownFieldsCache.Store(t, names)
	return names
}

// decodeWithExtra decodes data into dst (a pointer to a struct without a
// custom UnmarshalJSON) and returns the members dst has no field for.
// Numbers in untyped values stay json.Number so they render back unchanged.
func decodeWithExtra(data []byte, dst any) (map[string]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return nil, err
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	for name := range knownFields(reflect.TypeOf(dst).Elem()) {
		delete(all, name)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

// encodeWithExtra encodes src merged with extra. Keys are emitted in sorted
// order so the output is deterministic.
func encodeWithExtra(src any, extra map[string]json.RawMessage) ([]byte, error) {
	data, err := json.Marshal(src)
	if err != nil {
		return nil, err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	for name, raw := range extra {
		if _, ok := all[name]; !ok {
			all[name] = raw
		}
	}
	return json.Marshal(all)
}
