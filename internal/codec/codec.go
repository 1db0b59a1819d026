// Package codec implements the Log Entry Codec (C1): encoding, decoding,
// and CRC32 integrity for a single WAL record. Grounded on the reference
// storage node's internal/util/checksum.go (CRC32 IEEE table, compute and
// validate) and on the canonical field order fixed by SPEC_FULL.md §9.
package codec

import (
	"encoding/json"
	"hash/crc32"

	"github.com/devrev/replicatedkv/node/internal/model"
	nodeerrors "github.com/devrev/replicatedkv/node/internal/errors"
)

var crcTable = crc32.MakeTable(crc32.IEEE)

// canonicalFields mirrors the LogEntry in the fixed field order used for
// CRC computation: id, operation, key, value, version, client_id, request_id.
type canonicalFields struct {
	ID        uint64              `json:"id"`
	Operation model.OperationType `json:"operation"`
	Key       string              `json:"key"`
	Value     any                 `json:"value,omitempty"`
	Version   *uint64             `json:"version,omitempty"`
	ClientID  string              `json:"client_id,omitempty"`
	RequestID string              `json:"request_id,omitempty"`
}

func canonicalBytes(e model.LogEntry) ([]byte, error) {
	return json.Marshal(canonicalFields{
		ID:        e.ID,
		Operation: e.Operation,
		Key:       e.Key,
		Value:     e.Value,
		Version:   e.Version,
		ClientID:  e.ClientID,
		RequestID: e.RequestID,
	})
}

// ComputeCRC returns the CRC32 (IEEE) over the entry's canonical fields,
// excluding the entry's own CRC field.
func ComputeCRC(e model.LogEntry) (uint32, error) {
	b, err := canonicalBytes(e)
	if err != nil {
		return 0, nodeerrors.Internal("canonicalize entry", err)
	}
	return crc32.Checksum(b, crcTable), nil
}

// Encode serializes entry as a single newline-terminated JSON line,
// recomputing the CRC unconditionally (the codec is the sole authority
// on CRC values; callers never hand-stamp one that survives).
func Encode(entry model.LogEntry) ([]byte, error) {
	crc, err := ComputeCRC(entry)
	if err != nil {
		return nil, err
	}
	entry.CRC = crc

	b, err := json.Marshal(entry)
	if err != nil {
		return nil, nodeerrors.Internal("marshal entry", err)
	}
	return append(b, '\n'), nil
}

// Decode parses one line into a LogEntry and validates its CRC. A
// syntactically malformed line, or one whose stored CRC does not match
// the recomputed CRC, yields an error — decode never silently corrects.
func Decode(line []byte) (model.LogEntry, error) {
	var entry model.LogEntry
	if err := json.Unmarshal(line, &entry); err != nil {
		return model.LogEntry{}, nodeerrors.CorruptRecord("malformed json", err)
	}

	expected, err := ComputeCRC(entry)
	if err != nil {
		return model.LogEntry{}, err
	}
	if expected != entry.CRC {
		return model.LogEntry{}, nodeerrors.ChecksumFailed(expected, entry.CRC)
	}
	return entry, nil
}
