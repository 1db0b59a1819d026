package codec

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/devrev/replicatedkv/node/internal/errors"
	"github.com/devrev/replicatedkv/node/internal/model"
)

func uint64Ptr(v uint64) *uint64 { return &v }

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		entry model.LogEntry
	}{
		{
			name:  "set with version and client coordinates",
			entry: model.LogEntry{ID: 1, Operation: model.OpSet, Key: "key6", Value: "myvalue", Version: uint64Ptr(1), ClientID: "c1", RequestID: "r1"},
		},
		{
			name:  "set with no client coordinates",
			entry: model.LogEntry{ID: 2, Operation: model.OpSet, Key: "config", Value: "a"},
		},
		{
			name:  "delete with no version",
			entry: model.LogEntry{ID: 3, Operation: model.OpDelete, Key: "key6", ClientID: "c1", RequestID: "r2"},
		},
		{
			name:  "nested json value",
			entry: model.LogEntry{ID: 4, Operation: model.OpSet, Key: "obj", Value: map[string]any{"a": float64(1), "b": []any{"x", "y"}}},
		},
		{
			name:  "nil value",
			entry: model.LogEntry{ID: 5, Operation: model.OpSet, Key: "empty", Value: nil},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := Encode(tt.entry)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}

			decoded, err := Decode(encoded[:len(encoded)-1]) // strip trailing newline
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}

			want := tt.entry
			want.CRC = decoded.CRC // Encode stamps the CRC; compare everything else exactly
			if !reflect.DeepEqual(decoded, want) {
				t.Errorf("decode(encode(e)) = %+v, want %+v", decoded, want)
			}
		})
	}
}

func TestComputeCRCIsRecomputedOnEncode(t *testing.T) {
	entry := model.LogEntry{ID: 1, Operation: model.OpSet, Key: "k", Value: "v", CRC: 0xDEADBEEF}

	encoded, err := Encode(entry)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := Decode(encoded[:len(encoded)-1])
	if err != nil {
		t.Fatalf("Decode of freshly-encoded entry should succeed: %v", err)
	}

	expected, err := ComputeCRC(decoded)
	if err != nil {
		t.Fatalf("ComputeCRC: %v", err)
	}
	if decoded.CRC != expected {
		t.Errorf("decoded.CRC = %d, want recomputed %d", decoded.CRC, expected)
	}
	if decoded.CRC == 0xDEADBEEF {
		t.Errorf("Encode must not preserve a caller-supplied stale CRC")
	}
}

func TestDecodeDetectsCRCMismatch(t *testing.T) {
	entry := model.LogEntry{ID: 1, Operation: model.OpSet, Key: "k", Value: "v"}
	encoded, err := Encode(entry)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := Decode(encoded[:len(encoded)-1])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	// Flip the value but keep the original (now stale) CRC, simulating a
	// record corrupted after it was written.
	tampered := decoded
	tampered.Value = "tampered"
	corrupted, err := json.Marshal(tampered)
	if err != nil {
		t.Fatalf("marshal tampered entry: %v", err)
	}

	_, err = Decode(corrupted)
	if err == nil {
		t.Fatal("expected a CRC mismatch error, got nil")
	}
	if errors.GetCode(err) != errors.ErrCodeChecksumFailed {
		t.Errorf("error code = %v, want ErrCodeChecksumFailed", errors.GetCode(err))
	}
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	_, err := Decode([]byte("not json"))
	if err == nil {
		t.Fatal("expected a decode error for malformed json, got nil")
	}
	if errors.GetCode(err) != errors.ErrCodeCorruptRecord {
		t.Errorf("error code = %v, want ErrCodeCorruptRecord", errors.GetCode(err))
	}
}

func TestDecodeRejectsTruncatedLine(t *testing.T) {
	entry := model.LogEntry{ID: 1, Operation: model.OpSet, Key: "k", Value: "v"}
	encoded, err := Encode(entry)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	truncated := encoded[:len(encoded)/2]
	_, err = Decode(truncated)
	if err == nil {
		t.Fatal("expected an error decoding a truncated record, got nil")
	}
}
