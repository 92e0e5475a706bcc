// Package btree implements the deterministic sorted entry tree a page's
// commits point at. The encoding is byte-stable for a given entry set, so
// identical merges built on different devices hash to identical roots.
package btree

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/tidemark-db/tidemark/pkg/model"
)

const nodeMagic byte = 0x54

// Change is one staged mutation against a base entry set.
type Change struct {
	Entry    model.Entry
	Deletion bool
}

// EntryID derives the deterministic id for a key mutated at the given
// epoch. The id is opaque and non-secret; it only has to be stable across
// devices so that convergent merges produce byte-identical trees.
func EntryID(key string, epoch uint64) string {
	h := xxhash.New()
	_, _ = h.WriteString(key)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], epoch)
	_, _ = h.Write(buf[:])
	return fmt.Sprintf("%016x", h.Sum64())
}

// ApplyChanges merges changes into the sorted base set and returns a new
// sorted set. Later changes for the same key win; deletions of absent keys
// are dropped.
func ApplyChanges(base []model.Entry, changes []Change) []model.Entry {
	byKey := make(map[string]model.Entry, len(base))
	for _, entry := range base {
		byKey[entry.Key] = entry
	}
	for _, change := range changes {
		if change.Deletion {
			delete(byKey, change.Entry.Key)
			continue
		}
		byKey[change.Entry.Key] = change.Entry
	}

	merged := make([]model.Entry, 0, len(byKey))
	for _, entry := range byKey {
		merged = append(merged, entry)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Key < merged[j].Key })
	return merged
}

// Diff returns the changes that turn base into target.
func Diff(base, target []model.Entry) []Change {
	baseByKey := make(map[string]model.Entry, len(base))
	for _, entry := range base {
		baseByKey[entry.Key] = entry
	}

	var changes []Change
	for _, entry := range target {
		old, ok := baseByKey[entry.Key]
		if ok {
			delete(baseByKey, entry.Key)
			if old == entry {
				continue
			}
			changes = append(changes, Change{Entry: old, Deletion: true})
		}
		changes = append(changes, Change{Entry: entry})
	}
	for _, entry := range base {
		if _, gone := baseByKey[entry.Key]; gone {
			changes = append(changes, Change{Entry: entry, Deletion: true})
		}
	}
	sort.Slice(changes, func(i, j int) bool {
		if changes[i].Entry.Key != changes[j].Entry.Key {
			return changes[i].Entry.Key < changes[j].Entry.Key
		}
		return changes[i].Deletion && !changes[j].Deletion
	})
	return changes
}

// ObjectIdentifiers lists the value identifiers referenced by the entries.
func ObjectIdentifiers(entries []model.Entry) []model.ObjectIdentifier {
	ids := make([]model.ObjectIdentifier, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.Object)
	}
	return ids
}

// Encode serializes a sorted entry set into the canonical node bytes.
func Encode(entries []model.Entry) []byte {
	out := []byte{nodeMagic}
	out = binary.AppendUvarint(out, uint64(len(entries)))
	for _, entry := range entries {
		out = appendBytes(out, []byte(entry.Key))
		out = appendBytes(out, []byte(entry.EntryID))
		out = binary.AppendUvarint(out, uint64(entry.Object.KeyIndex))
		out = appendBytes(out, []byte(entry.Object.Digest))
		out = append(out, byte(entry.Priority))
	}
	return out
}

// Decode parses canonical node bytes back into the entry set.
func Decode(data []byte) ([]model.Entry, error) {
	if len(data) == 0 || data[0] != nodeMagic {
		return nil, fmt.Errorf("%w: bad tree node header", model.ErrDataIntegrity)
	}
	rest := data[1:]
	count, rest, err := readUvarint(rest)
	if err != nil {
		return nil, err
	}

	entries := make([]model.Entry, 0, count)
	for i := uint64(0); i < count; i++ {
		var key, entryID, digest []byte
		var keyIndex uint64
		if key, rest, err = readBytes(rest); err != nil {
			return nil, err
		}
		if entryID, rest, err = readBytes(rest); err != nil {
			return nil, err
		}
		if keyIndex, rest, err = readUvarint(rest); err != nil {
			return nil, err
		}
		if digest, rest, err = readBytes(rest); err != nil {
			return nil, err
		}
		if len(rest) < 1 {
			return nil, fmt.Errorf("%w: truncated tree node", model.ErrDataIntegrity)
		}
		priority := model.KeyPriority(rest[0])
		rest = rest[1:]

		entries = append(entries, model.Entry{
			Key:     string(key),
			EntryID: string(entryID),
			Object: model.ObjectIdentifier{
				KeyIndex: uint32(keyIndex),
				Digest:   model.ObjectDigest(digest),
			},
			Priority: priority,
		})
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: trailing bytes in tree node", model.ErrDataIntegrity)
	}
	return entries, nil
}

func appendBytes(out, b []byte) []byte {
	out = binary.AppendUvarint(out, uint64(len(b)))
	return append(out, b...)
}

func readUvarint(data []byte) (uint64, []byte, error) {
	v, n := binary.Uvarint(data)
	if n <= 0 {
		return 0, nil, fmt.Errorf("%w: bad varint in tree node", model.ErrDataIntegrity)
	}
	return v, data[n:], nil
}

func readBytes(data []byte) ([]byte, []byte, error) {
	size, rest, err := readUvarint(data)
	if err != nil {
		return nil, nil, err
	}
	if uint64(len(rest)) < size {
		return nil, nil, fmt.Errorf("%w: truncated field in tree node", model.ErrDataIntegrity)
	}
	return rest[:size], rest[size:], nil
}
