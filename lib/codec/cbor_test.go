// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"io"
	"testing"
)

type workerRow struct {
	PID   int    `cbor:"pid"`
	Path  string `cbor:"path"`
	State string `cbor:"state,omitempty"`
}

func TestMarshalDeterministic(t *testing.T) {
	row := workerRow{PID: 4021, Path: "/opt/vigil/modules/portscan", State: "running"}
	first, err := Marshal(row)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	second, err := Marshal(row)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("encoding differs: %x != %x", first, second)
	}

	var decoded workerRow
	if err := Unmarshal(first, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded != row {
		t.Errorf("decoded %+v, want %+v", decoded, row)
	}
}

func TestMapKeysSorted(t *testing.T) {
	// Core deterministic encoding sorts by encoded key bytes, so a map
	// and a struct with the same keys in a different order agree.
	fromMap, err := Marshal(map[string]int{"to": 2, "from": 1})
	if err != nil {
		t.Fatalf("Marshal map: %v", err)
	}
	fromStruct, err := Marshal(struct {
		To   int `cbor:"to"`
		From int `cbor:"from"`
	}{To: 2, From: 1})
	if err != nil {
		t.Fatalf("Marshal struct: %v", err)
	}
	if !bytes.Equal(fromMap, fromStruct) {
		t.Errorf("map %x != struct %x", fromMap, fromStruct)
	}
}

func TestAnyDecodesStringKeyedMaps(t *testing.T) {
	data, err := Marshal(map[string]any{"workers": map[string]any{"running": 2}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	outer, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("decoded %T, want map[string]any", decoded)
	}
	if _, ok := outer["workers"].(map[string]any); !ok {
		t.Errorf("nested %T, want map[string]any", outer["workers"])
	}
}

func TestStream(t *testing.T) {
	var buffer bytes.Buffer
	encoder := NewEncoder(&buffer)
	rows := []workerRow{{PID: 1, Path: "a"}, {PID: 2, Path: "b", State: "crashed"}}
	for _, row := range rows {
		if err := encoder.Encode(row); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}

	decoder := NewDecoder(&buffer)
	for i, want := range rows {
		var got workerRow
		if err := decoder.Decode(&got); err != nil {
			t.Fatalf("Decode %d: %v", i, err)
		}
		if got != want {
			t.Errorf("row %d = %+v, want %+v", i, got, want)
		}
	}
	var extra workerRow
	if err := decoder.Decode(&extra); err != io.EOF {
		t.Errorf("Decode past end = %v, want io.EOF", err)
	}
}
