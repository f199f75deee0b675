package cas

import (
	"encoding/json"
	"testing"
)

func TestCanonicalJSON_SortsKeys(t *testing.T) {
	got, err := CanonicalJSON(map[string]interface{}{"zebra": 1, "apple": 2, "mango": 3})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if want := `{"apple":2,"mango":3,"zebra":1}`; string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestCanonicalJSON_StructAndMapAgree(t *testing.T) {
	type payload struct {
		B int      `json:"b"`
		A string   `json:"a"`
		L []string `json:"l"`
	}
	fromStruct, err := CanonicalJSON(payload{B: 1, A: "x", L: []string{"p", "q"}})
	if err != nil {
		t.Fatal(err)
	}
	fromMap, err := CanonicalJSON(map[string]interface{}{
		"l": []string{"p", "q"}, "b": 1, "a": "x",
	})
	if err != nil {
		t.Fatal(err)
	}
	if string(fromStruct) != string(fromMap) {
		t.Errorf("struct %s != map %s", fromStruct, fromMap)
	}
}

func TestCanonicalJSON_NestedStaysValid(t *testing.T) {
	got, err := CanonicalJSON(map[string]interface{}{
		"outer": map[string]interface{}{"z": 1, "a": 2},
		"array": []interface{}{3, 2, 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal(got, &parsed); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if want := `{"array":[3,2,1],"outer":{"a":2,"z":1}}`; string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestBlake3Hash(t *testing.T) {
	a := Blake3Hash([]byte("hello world"))
	if len(a) != 32 {
		t.Fatalf("digest length = %d", len(a))
	}
	if b := Blake3Hash([]byte("hello world")); string(a) != string(b) {
		t.Error("same input hashed differently")
	}
	if len(Blake3HashHex([]byte("hello world"))) != 64 {
		t.Error("hex digest must be 64 characters")
	}
}

func TestNodeID_KindSeparatesPayloads(t *testing.T) {
	payload := map[string]interface{}{"name": "parse", "file": "parser.go"}

	first, err := NodeID("Chunk", payload)
	if err != nil {
		t.Fatal(err)
	}
	again, err := NodeID("Chunk", payload)
	if err != nil {
		t.Fatal(err)
	}
	if string(first) != string(again) {
		t.Error("identical node produced two IDs")
	}

	other, err := NodeID("SemanticGroup", payload)
	if err != nil {
		t.Fatal(err)
	}
	if string(first) == string(other) {
		t.Error("kind must participate in the ID")
	}
}

func TestHexRoundTrip(t *testing.T) {
	original := []byte{0x01, 0x02, 0x03, 0xAB, 0xCD, 0xEF}
	decoded, err := HexToBytes(BytesToHex(original))
	if err != nil {
		t.Fatal(err)
	}
	if string(decoded) != string(original) {
		t.Error("round-trip changed the bytes")
	}
}
