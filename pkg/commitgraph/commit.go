// Package commitgraph materializes the page's commit DAG: content-addressed
// commit values, the live-commit tracker and the pruning policy.
package commitgraph

import (
	"crypto/sha512"
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/tidemark-db/tidemark/pkg/model"
)

const commitMagic byte = 0x43

// Commit is an immutable node of the page's commit DAG.
type Commit struct {
	id         model.CommitID
	timestamp  int64
	generation uint64
	parents    []model.CommitID
	root       model.ObjectIdentifier
}

func (c *Commit) ID() model.CommitID        { return c.id }
func (c *Commit) Timestamp() int64          { return c.timestamp }
func (c *Commit) Generation() uint64        { return c.generation }
func (c *Commit) Parents() []model.CommitID { return c.parents }
func (c *Commit) Root() model.ObjectIdentifier {
	return c.root
}

// IsMerge reports whether the commit has two parents.
func (c *Commit) IsMerge() bool { return len(c.parents) == 2 }

// StorageBytes returns the canonical encoding the commit id is derived
// from. The same bytes are what gets persisted and shipped to the cloud.
func (c *Commit) StorageBytes() []byte {
	out := []byte{commitMagic}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(c.timestamp))
	out = append(out, buf[:]...)
	binary.BigEndian.PutUint64(buf[:], c.generation)
	out = append(out, buf[:]...)
	out = append(out, byte(len(c.parents)))
	for _, parent := range c.parents {
		out = binary.AppendUvarint(out, uint64(len(parent)))
		out = append(out, parent...)
	}
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], c.root.KeyIndex)
	out = append(out, idx[:]...)
	out = binary.AppendUvarint(out, uint64(len(c.root.Digest)))
	out = append(out, c.root.Digest...)
	return out
}

// ComputeID hashes canonical storage bytes into a commit id.
func ComputeID(storageBytes []byte) model.CommitID {
	sum := sha512.Sum512(storageBytes)
	return model.CommitID(sum[:])
}

// Factory builds commits from content or rehydrates them from storage
// bytes.
type Factory struct {
	log *logrus.Entry
}

func NewFactory(logger *logrus.Logger) *Factory {
	if logger == nil {
		logger = logrus.New()
	}
	return &Factory{log: logger.WithField("component", "commitgraph")}
}

// RootCommit returns the parentless sentinel commit for an empty page. It
// is fully deterministic: every device derives the same id.
func (f *Factory) RootCommit(root model.ObjectIdentifier) *Commit {
	c := &Commit{
		timestamp:  0,
		generation: 0,
		parents:    nil,
		root:       root,
	}
	c.id = ComputeID(c.StorageBytes())
	return c
}

// FromContentAndParents synthesizes a new commit. Merge commits (two
// parents) take the maximum parent timestamp so that two devices building
// the same merge agree on the id; single-parent commits take the supplied
// clock timestamp, which salts the id against identical re-commits.
func (f *Factory) FromContentAndParents(timestamp int64, parents []*Commit, root model.ObjectIdentifier) (*Commit, error) {
	if len(parents) == 0 || len(parents) > 2 {
		return nil, fmt.Errorf("%w: commit needs 1 or 2 parents, got %d", model.ErrIllegalState, len(parents))
	}

	var generation uint64
	var maxParentTS int64
	for _, parent := range parents {
		if parent.generation >= generation {
			generation = parent.generation + 1
		}
		if parent.timestamp > maxParentTS {
			maxParentTS = parent.timestamp
		}
	}
	if len(parents) == 2 {
		timestamp = maxParentTS
	} else if timestamp < maxParentTS {
		timestamp = maxParentTS
	}

	parentIDs := make([]model.CommitID, len(parents))
	for i, parent := range parents {
		parentIDs[i] = parent.id
	}
	// Merge parents in a canonical order, again for cross-device id
	// agreement.
	if len(parentIDs) == 2 && parentIDs[1] < parentIDs[0] {
		parentIDs[0], parentIDs[1] = parentIDs[1], parentIDs[0]
	}

	c := &Commit{
		timestamp:  timestamp,
		generation: generation,
		parents:    parentIDs,
		root:       root,
	}
	c.id = ComputeID(c.StorageBytes())
	return c, nil
}

// FromStorageBytes rehydrates a commit and verifies the id matches the
// content hash. A mismatch is corruption, not a transient failure.
func (f *Factory) FromStorageBytes(id model.CommitID, data []byte) (*Commit, error) {
	c, err := decodeCommit(data)
	if err != nil {
		return nil, err
	}
	if c.id != id {
		return nil, fmt.Errorf("%w: commit id does not match content hash", model.ErrDataIntegrity)
	}
	return c, nil
}

func decodeCommit(data []byte) (*Commit, error) {
	if len(data) < 18 || data[0] != commitMagic {
		return nil, fmt.Errorf("%w: bad commit header", model.ErrDataIntegrity)
	}
	c := &Commit{}
	c.timestamp = int64(binary.BigEndian.Uint64(data[1:9]))
	c.generation = binary.BigEndian.Uint64(data[9:17])
	parentCount := int(data[17])
	rest := data[18:]

	for i := 0; i < parentCount; i++ {
		size, n := binary.Uvarint(rest)
		if n <= 0 || uint64(len(rest)-n) < size {
			return nil, fmt.Errorf("%w: truncated commit parent", model.ErrDataIntegrity)
		}
		c.parents = append(c.parents, model.CommitID(rest[n:n+int(size)]))
		rest = rest[n+int(size):]
	}
	if len(rest) < 4 {
		return nil, fmt.Errorf("%w: truncated commit root", model.ErrDataIntegrity)
	}
	c.root.KeyIndex = binary.BigEndian.Uint32(rest[:4])
	rest = rest[4:]
	size, n := binary.Uvarint(rest)
	if n <= 0 || uint64(len(rest)-n) != size {
		return nil, fmt.Errorf("%w: truncated commit root digest", model.ErrDataIntegrity)
	}
	c.root.Digest = model.ObjectDigest(rest[n:])
	c.id = ComputeID(data)
	return c, nil
}
