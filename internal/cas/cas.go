// Package cas provides the content-addressing primitives shared across the
// pipeline: canonical JSON encoding and BLAKE3-based node identifiers. Every
// chunk, group, and ledger entry derives its ID from these functions, so a
// rerun over identical inputs reproduces identical IDs.
package cas

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"lukechampine.com/blake3"
)

// NowMs returns the current time in milliseconds since epoch.
func NowMs() int64 {
	return time.Now().UnixMilli()
}

// CanonicalJSON encodes a value as JSON with sorted object keys at every
// depth. Two structurally equal payloads always encode to the same bytes,
// which is the property NodeID relies on.
func CanonicalJSON(v interface{}) ([]byte, error) {
	// Round-tripping through encoding/json first collapses Go types to
	// plain maps, slices, and float64, so struct payloads and map
	// payloads with equal shape canonicalize identically.
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []interface{}:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
}

// Blake3Hash computes the 32-byte BLAKE3 digest of the input.
func Blake3Hash(data []byte) []byte {
	sum := blake3.Sum256(data)
	return sum[:]
}

// Blake3HashHex computes the BLAKE3 digest and returns it hex-encoded.
func Blake3HashHex(data []byte) string {
	return hex.EncodeToString(Blake3Hash(data))
}

// NodeID computes the content-addressed ID for a ledger node:
// blake3(kind + "\n" + canonicalJSON(payload)).
func NodeID(kind string, payload interface{}) ([]byte, error) {
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return nil, err
	}
	return Blake3Hash(append([]byte(kind+"\n"), canonical...)), nil
}

// NodeIDHex computes the content-addressed ID and returns it as hex.
func NodeIDHex(kind string, payload interface{}) (string, error) {
	id, err := NodeID(kind, payload)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(id), nil
}

// HexToBytes decodes a hex string.
func HexToBytes(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

// BytesToHex encodes bytes as a hex string.
func BytesToHex(b []byte) string {
	return hex.EncodeToString(b)
}
