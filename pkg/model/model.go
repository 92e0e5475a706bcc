// Package model holds the value types shared by the storage engine and the
// cloud synchronization state machines.
package model

import (
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
)

// InlineThreshold is the largest content size that is carried directly
// inside an ObjectDigest instead of being written to the store.
const InlineThreshold = 64

const (
	digestPrefixInline byte = 0x00
	digestPrefixHash   byte = 0x01
)

var (
	// ErrNotFound reports that a key, piece or commit is absent locally.
	ErrNotFound = errors.New("not found")
	// ErrInternalNotFound reports a missing parent commit inside a sync
	// batch. The whole batch is rejected, nothing is applied.
	ErrInternalNotFound = errors.New("parent commit not found")
	// ErrCanceled reports a benign race: an operation observed a
	// concurrent change and gave up without doing harm.
	ErrCanceled = errors.New("canceled")
	// ErrDataIntegrity reports that fetched bytes do not match the digest
	// they were requested under.
	ErrDataIntegrity = errors.New("data integrity error")
	// ErrIO reports an unrecoverable failure of the underlying store.
	ErrIO = errors.New("io error")
	// ErrIllegalState reports a call that the current state does not allow.
	ErrIllegalState = errors.New("illegal state")
)

// ObjectDigest identifies the content of one piece. Small contents are
// inlined: the digest carries the bytes themselves and the piece never
// touches the store.
type ObjectDigest string

// DigestFromContent builds the digest for a piece's plaintext bytes.
func DigestFromContent(content []byte) ObjectDigest {
	if len(content) <= InlineThreshold {
		return ObjectDigest(append([]byte{digestPrefixInline}, content...))
	}
	sum := sha512.Sum512(content)
	return ObjectDigest(append([]byte{digestPrefixHash}, sum[:]...))
}

// IsInlined reports whether the digest carries the piece content directly.
func (d ObjectDigest) IsInlined() bool {
	return len(d) > 0 && d[0] == digestPrefixInline
}

// InlineValue returns the inlined content, or false for hashed digests.
func (d ObjectDigest) InlineValue() ([]byte, bool) {
	if !d.IsInlined() {
		return nil, false
	}
	return []byte(d[1:]), true
}

// Valid reports whether the digest has a known prefix and a plausible size.
func (d ObjectDigest) Valid() bool {
	if len(d) == 0 {
		return false
	}
	switch d[0] {
	case digestPrefixInline:
		return len(d)-1 <= InlineThreshold
	case digestPrefixHash:
		return len(d) == sha512.Size+1
	}
	return false
}

func (d ObjectDigest) String() string {
	return hex.EncodeToString([]byte(d))
}

// ObjectIdentifier names one piece: the digest of its content plus the key
// index used to encrypt it. Liveness is tracked separately by the
// objectid.Tracker; identifiers themselves are plain values.
type ObjectIdentifier struct {
	KeyIndex uint32
	Digest   ObjectDigest
}

func (i ObjectIdentifier) String() string {
	return fmt.Sprintf("%d/%s", i.KeyIndex, i.Digest)
}

// ObjectType distinguishes user blobs from entry-tree nodes.
type ObjectType int

const (
	ObjectTypeBlob ObjectType = iota
	ObjectTypeTreeNode
)

// KeyPriority controls whether an entry's value is fetched eagerly when the
// owning commit is downloaded, or lazily on first read.
type KeyPriority int

const (
	KeyPriorityEager KeyPriority = iota
	KeyPriorityLazy
)

// Entry is one key of the page's entry tree.
type Entry struct {
	Key      string
	Object   ObjectIdentifier
	Priority KeyPriority
	// EntryID is deterministic per (key, mutation epoch) so that two
	// devices building identical merges converge on identical trees.
	EntryID string
}

// CommitID is the content-addressed identity of a commit. The raw bytes are
// the hash of the commit's storage bytes.
type CommitID string

func (id CommitID) String() string {
	return hex.EncodeToString([]byte(id))
}

// ChangeSource tells commit watchers where a batch of commits came from.
type ChangeSource int

const (
	ChangeSourceLocal ChangeSource = iota
	ChangeSourceCloud
)

func (s ChangeSource) String() string {
	switch s {
	case ChangeSourceLocal:
		return "local"
	case ChangeSourceCloud:
		return "cloud"
	}
	return "unknown"
}
