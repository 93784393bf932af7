// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"slices"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/herald/lib/codec"
	"github.com/bureau-foundation/herald/lib/ident"
)

// Snapshot layout: an 8-byte magic, the uncompressed CBOR size
// (little-endian uint64), the zstd-compressed CBOR body, and a 32-byte
// keyed BLAKE3 digest over everything before it. The CBOR body is
// deterministically encoded, so identical cache contents produce
// identical snapshots.

// snapshotMagic identifies a retained-value snapshot, format
// version 1. Changing the layout means a new magic.
var snapshotMagic = [8]byte{'H', 'R', 'L', 'D', 'R', 'T', 'N', '1'}

// snapshotDomainKey is the BLAKE3 keyed-hash domain for snapshot
// checksums: the ASCII domain name zero-padded to 32 bytes. Readable
// in hex dumps, opaque to the hash.
var snapshotDomainKey = [32]byte{
	'h', 'e', 'r', 'a', 'l', 'd', '.', 's', 'n', 'a', 'p', 's', 'h', 'o', 't', 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

const snapshotHeaderSize = len(snapshotMagic) + 8

// snapshotEntry is one retained value in the serialized body. Entries
// are ordered by scope, then action, then recording order, which the
// decoder relies on to rebuild replay order.
type snapshotEntry struct {
	Scope          ident.Scope `cbor:"scope"           json:"scope"`
	Message        *Message    `cbor:"message"         json:"message"`
	Origin         ident.UID   `cbor:"origin"          json:"origin"`
	OriginConfined bool        `cbor:"origin_confined" json:"origin_confined"`
	RecordedAt     time.Time   `cbor:"recorded_at"     json:"recorded_at"`
}

type snapshotBody struct {
	Entries []snapshotEntry `cbor:"entries" json:"entries"`
}

// zstd codecs are shared across calls; both are safe for concurrent
// use.
var (
	snapshotCompressor   *zstd.Encoder
	snapshotDecompressor *zstd.Decoder
)

func init() {
	var err error
	snapshotCompressor, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("dispatch: zstd encoder initialization failed: " + err.Error())
	}
	snapshotDecompressor, err = zstd.NewReader(nil)
	if err != nil {
		panic("dispatch: zstd decoder initialization failed: " + err.Error())
	}
}

func snapshotDigest(data []byte) [32]byte {
	hasher, err := blake3.NewKeyed(snapshotDomainKey[:])
	if err != nil {
		panic("dispatch: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	var digest [32]byte
	copy(digest[:], hasher.Sum(nil))
	return digest
}

// encodeSnapshot serializes a copy of the retained cache. The nested
// maps are flattened into a sorted entry list so the output does not
// depend on Go map iteration order.
func encodeSnapshot(data map[ident.Scope]map[string][]retainedMessage) ([]byte, error) {
	var body snapshotBody
	for _, scope := range sortedScopes(data) {
		actions := data[scope]
		for _, action := range sortedActions(actions) {
			for _, entry := range actions[action] {
				body.Entries = append(body.Entries, snapshotEntry{
					Scope:          scope,
					Message:        entry.message,
					Origin:         entry.origin,
					OriginConfined: entry.originConfined,
					RecordedAt:     entry.recordedAt,
				})
			}
		}
	}

	raw, err := codec.Marshal(&body)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot body: %w", err)
	}

	out := make([]byte, snapshotHeaderSize, snapshotHeaderSize+len(raw)/2+32)
	copy(out, snapshotMagic[:])
	binary.LittleEndian.PutUint64(out[len(snapshotMagic):], uint64(len(raw)))
	out = snapshotCompressor.EncodeAll(raw, out)

	digest := snapshotDigest(out)
	return append(out, digest[:]...), nil
}

// decodeSnapshot verifies and deserializes a snapshot back into the
// retained cache's map form.
func decodeSnapshot(blob []byte) (map[ident.Scope]map[string][]retainedMessage, error) {
	if len(blob) < snapshotHeaderSize+32 {
		return nil, fmt.Errorf("snapshot too short: %d bytes", len(blob))
	}
	if !bytes.Equal(blob[:len(snapshotMagic)], snapshotMagic[:]) {
		return nil, fmt.Errorf("snapshot magic mismatch: not a retained-value snapshot")
	}

	payloadEnd := len(blob) - 32
	digest := snapshotDigest(blob[:payloadEnd])
	if !bytes.Equal(digest[:], blob[payloadEnd:]) {
		return nil, fmt.Errorf("snapshot checksum mismatch: snapshot is corrupt")
	}

	rawSize := binary.LittleEndian.Uint64(blob[len(snapshotMagic):snapshotHeaderSize])
	raw, err := snapshotDecompressor.DecodeAll(blob[snapshotHeaderSize:payloadEnd], make([]byte, 0, rawSize))
	if err != nil {
		return nil, fmt.Errorf("decompressing snapshot: %w", err)
	}
	if uint64(len(raw)) != rawSize {
		return nil, fmt.Errorf("snapshot body is %d bytes, header says %d", len(raw), rawSize)
	}

	var body snapshotBody
	if err := codec.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decoding snapshot body: %w", err)
	}

	data := make(map[ident.Scope]map[string][]retainedMessage)
	for i, entry := range body.Entries {
		if entry.Message == nil || entry.Message.Action == "" {
			return nil, fmt.Errorf("snapshot entry %d has no message action", i)
		}
		actions := data[entry.Scope]
		if actions == nil {
			actions = make(map[string][]retainedMessage)
			data[entry.Scope] = actions
		}
		action := entry.Message.Action
		actions[action] = append(actions[action], retainedMessage{
			message:        entry.Message,
			origin:         entry.Origin,
			originConfined: entry.OriginConfined,
			recordedAt:     entry.RecordedAt,
		})
	}
	return data, nil
}

func sortedScopes(data map[ident.Scope]map[string][]retainedMessage) []ident.Scope {
	scopes := make([]ident.Scope, 0, len(data))
	for scope := range data {
		scopes = append(scopes, scope)
	}
	slices.Sort(scopes)
	return scopes
}

func sortedActions(actions map[string][]retainedMessage) []string {
	names := make([]string, 0, len(actions))
	for action := range actions {
		names = append(names, action)
	}
	slices.Sort(names)
	return names
}
