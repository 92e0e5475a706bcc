package pagesync

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/tidemark-db/tidemark/pkg/btree"
	"github.com/tidemark-db/tidemark/pkg/cloud"
	"github.com/tidemark-db/tidemark/pkg/model"
)

// NormalizeDiff reduces a raw diff to its net effect. The cloud may fold
// several commits into one diff, so the same entry id can appear as both a
// deletion and a re-insertion; those pairs cancel. Per entry id the residual
// must be one deletion, one insertion or nothing; anything else means the
// diff is inconsistent and the caller must treat the commit as unparseable.
// The result is ordered by key, deletions before insertions, which makes
// normalization independent of the input order.
func NormalizeDiff(entries []cloud.DiffEntry) ([]cloud.DiffEntry, error) {
	type acc struct {
		net       int
		deletion  cloud.DiffEntry
		insertion cloud.DiffEntry
	}
	byID := make(map[string]*acc)
	for _, entry := range entries {
		a := byID[entry.EntryID]
		if a == nil {
			a = &acc{}
			byID[entry.EntryID] = a
		}
		if entry.Deletion {
			a.net--
			a.deletion = entry
		} else {
			a.net++
			a.insertion = entry
		}
	}

	var out []cloud.DiffEntry
	for id, a := range byID {
		switch a.net {
		case 0:
		case -1:
			out = append(out, a.deletion)
		case 1:
			out = append(out, a.insertion)
		default:
			return nil, fmt.Errorf("%w: entry %s nets %+d changes", cloud.ErrParse, id, a.net)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].Deletion && !out[j].Deletion
	})
	return out, nil
}

// Entry payloads travel encrypted; the plaintext is this compact encoding of
// the value identifier and priority.
func encodeEntryPayload(entry model.Entry) []byte {
	out := binary.AppendUvarint(nil, uint64(entry.Object.KeyIndex))
	out = binary.AppendUvarint(out, uint64(len(entry.Object.Digest)))
	out = append(out, entry.Object.Digest...)
	return append(out, byte(entry.Priority))
}

func decodeEntryPayload(data []byte) (model.ObjectIdentifier, model.KeyPriority, error) {
	keyIndex, n := binary.Uvarint(data)
	if n <= 0 {
		return model.ObjectIdentifier{}, 0, fmt.Errorf("%w: bad entry payload", cloud.ErrParse)
	}
	rest := data[n:]
	size, n := binary.Uvarint(rest)
	if n <= 0 || uint64(len(rest)-n) != size+1 {
		return model.ObjectIdentifier{}, 0, fmt.Errorf("%w: bad entry payload digest", cloud.ErrParse)
	}
	digest := model.ObjectDigest(rest[n : n+int(size)])
	priority := model.KeyPriority(rest[n+int(size)])
	return model.ObjectIdentifier{KeyIndex: uint32(keyIndex), Digest: digest}, priority, nil
}

// diffToChanges converts normalized wire entries into staged tree changes.
func diffToChanges(entries []cloud.DiffEntry, decrypt func([]byte) ([]byte, error)) ([]btree.Change, error) {
	changes := make([]btree.Change, 0, len(entries))
	for _, entry := range entries {
		change := btree.Change{
			Entry:    model.Entry{Key: entry.Key, EntryID: entry.EntryID},
			Deletion: entry.Deletion,
		}
		if !entry.Deletion {
			plain, err := decrypt(entry.Payload)
			if err != nil {
				return nil, fmt.Errorf("%w: entry payload: %v", cloud.ErrParse, err)
			}
			id, priority, err := decodeEntryPayload(plain)
			if err != nil {
				return nil, err
			}
			change.Entry.Object = id
			change.Entry.Priority = priority
		}
		changes = append(changes, change)
	}
	return changes, nil
}
