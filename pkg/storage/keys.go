package storage

import (
	"encoding/binary"

	"github.com/tidemark-db/tidemark/pkg/model"
)

// Row key layout. Inlined digests have variable length, so the first
// digest of composite reference keys is length-prefixed; the second
// component is the unambiguous tail.
const (
	commitKeyPrefix         = "commits/"
	headKeyPrefix           = "heads/"
	unsyncedCommitKeyPrefix = "unsynced/commits/"
	pieceKeyPrefix          = "pieces/"
	unsyncedPieceKeyPrefix  = "unsynced/pieces/"
	// refs/commit/<digest><commit-id>: commit points at digest as root.
	commitRefKeyPrefix = "refs/commit/"
	// refs/object/<dst><src>: piece src points at piece dst.
	objectRefKeyPrefix = "refs/object/"
	// refs/outbound/<src><dst>: mirror of the above for deletion scans.
	outboundRefKeyPrefix  = "refs/outbound/"
	syncMetadataKeyPrefix = "sync-metadata/"
)

func commitKey(id model.CommitID) []byte {
	return append([]byte(commitKeyPrefix), id...)
}

func headKey(id model.CommitID) []byte {
	return append([]byte(headKeyPrefix), id...)
}

func unsyncedCommitKey(id model.CommitID) []byte {
	return append([]byte(unsyncedCommitKeyPrefix), id...)
}

func pieceKey(digest model.ObjectDigest) []byte {
	return append([]byte(pieceKeyPrefix), digest...)
}

func unsyncedPieceKey(digest model.ObjectDigest) []byte {
	return append([]byte(unsyncedPieceKeyPrefix), digest...)
}

func sizedDigest(prefix string, digest model.ObjectDigest) []byte {
	key := binary.AppendUvarint([]byte(prefix), uint64(len(digest)))
	return append(key, digest...)
}

func commitRefKey(digest model.ObjectDigest, id model.CommitID) []byte {
	return append(sizedDigest(commitRefKeyPrefix, digest), id...)
}

func commitRefScanPrefix(digest model.ObjectDigest) []byte {
	return sizedDigest(commitRefKeyPrefix, digest)
}

func objectRefKey(dst, src model.ObjectDigest) []byte {
	return append(sizedDigest(objectRefKeyPrefix, dst), src...)
}

func objectRefScanPrefix(dst model.ObjectDigest) []byte {
	return sizedDigest(objectRefKeyPrefix, dst)
}

func outboundRefKey(src, dst model.ObjectDigest) []byte {
	return append(sizedDigest(outboundRefKeyPrefix, src), dst...)
}

func outboundRefScanPrefix(src model.ObjectDigest) []byte {
	return sizedDigest(outboundRefKeyPrefix, src)
}

func syncMetadataKey(name string) []byte {
	return append([]byte(syncMetadataKeyPrefix), name...)
}
