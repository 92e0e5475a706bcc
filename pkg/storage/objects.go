package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	chunker "github.com/ipfs/boxo/chunker"

	"github.com/tidemark-db/tidemark/pkg/btree"
	"github.com/tidemark-db/tidemark/pkg/commitgraph"
	"github.com/tidemark-db/tidemark/pkg/keyvalstore"
	"github.com/tidemark-db/tidemark/pkg/model"
)

// Piece payloads carry a kind byte ahead of the content so a fetched piece
// is self-describing; digests cover only the content.
const (
	pieceKindChunk byte = 0x00
	pieceKindIndex byte = 0x01
)

// Reference is an outbound pointer from a stored object to a piece it
// keeps alive.
type Reference struct {
	Digest   model.ObjectDigest
	Priority model.KeyPriority
}

// Location selects how far GetObject may reach to resolve a piece.
type Location struct {
	network    bool
	treeCommit model.CommitID
	isTree     bool
}

// LocalOnly resolves from the local store only.
func LocalOnly() Location { return Location{} }

// ValueFromNetwork falls back to fetching the value from the cloud.
func ValueFromNetwork() Location { return Location{network: true} }

// TreeNodeFromNetwork falls back to a fetch tied to the commit whose tree
// is being read, letting sync use diff-aware retrieval.
func TreeNodeFromNetwork(commit model.CommitID) Location {
	return Location{network: true, treeCommit: commit, isTree: true}
}

func (l Location) objectType() model.ObjectType {
	if l.isTree {
		return model.ObjectTypeTreeNode
	}
	return model.ObjectTypeBlob
}

// AddObjectFromLocal splits data into content-defined pieces, runs each
// through the compress/encrypt pipeline and stores them unsynced. refs are
// the outbound references the object holds (a tree node's entry values).
// The returned identifier addresses the whole object.
func (s *PageStorage) AddObjectFromLocal(ctx context.Context, data []byte, refs []Reference) (model.ObjectIdentifier, error) {
	if len(data) <= model.InlineThreshold {
		id := model.ObjectIdentifier{Digest: model.DigestFromContent(data)}
		// Inlined pieces never hit the store, but their outbound
		// references still need rows so the referenced pieces survive
		// garbage collection.
		if len(refs) > 0 {
			if err := s.writeRefs(ctx, id.Digest, refs); err != nil {
				return model.ObjectIdentifier{}, err
			}
		}
		return id, nil
	}

	chunks, err := splitChunks(data)
	if err != nil {
		return model.ObjectIdentifier{}, fmt.Errorf("chunking object: %w", err)
	}

	if len(chunks) == 1 {
		digest := model.DigestFromContent(chunks[0])
		if err := s.storePiece(ctx, digest, pieceKindChunk, chunks[0], refs); err != nil {
			return model.ObjectIdentifier{}, err
		}
		return model.ObjectIdentifier{Digest: digest}, nil
	}

	// Multi-piece object: store the chunks in parallel, then an index
	// piece that lists them.
	type chunkResult struct {
		digest model.ObjectDigest
		size   uint64
		err    error
	}
	room := s.pool.CreateRoom(len(chunks))
	for _, chunk := range chunks {
		chunk := chunk
		room.NewTaskWaitForFreeSlot(func() interface{} {
			digest := model.DigestFromContent(chunk)
			err := s.storePiece(ctx, digest, pieceKindChunk, chunk, nil)
			return chunkResult{digest: digest, size: uint64(len(chunk)), err: err}
		})
	}

	index := indexPiece{}
	byDigest := make(map[model.ObjectDigest]uint64, len(chunks))
	for _, result := range room.Collect() {
		res := result.(chunkResult)
		if res.err != nil {
			return model.ObjectIdentifier{}, res.err
		}
		byDigest[res.digest] = res.size
	}
	// Re-derive the chunk order from the input; the room collects results
	// out of order.
	for _, chunk := range chunks {
		digest := model.DigestFromContent(chunk)
		index.chunks = append(index.chunks, indexedChunk{digest: digest, size: byDigest[digest]})
	}

	indexBytes := index.encode()
	indexDigest := model.DigestFromContent(indexBytes)
	indexRefs := append([]Reference(nil), refs...)
	for _, ic := range index.chunks {
		indexRefs = append(indexRefs, Reference{Digest: ic.digest, Priority: model.KeyPriorityEager})
	}
	if err := s.storePiece(ctx, indexDigest, pieceKindIndex, indexBytes, indexRefs); err != nil {
		return model.ObjectIdentifier{}, err
	}
	return model.ObjectIdentifier{Digest: indexDigest}, nil
}

func splitChunks(data []byte) ([][]byte, error) {
	bz := chunker.NewBuzhash(bytes.NewReader(data))
	var chunks [][]byte
	for {
		chunk, err := bz.NextBytes()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return chunks, nil
			}
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
}

func (s *PageStorage) storePiece(ctx context.Context, digest model.ObjectDigest, kind byte, content []byte, refs []Reference) error {
	payload := append([]byte{kind}, content...)
	sealed, err := s.enc.EncryptPiece(payload)
	if err != nil {
		return fmt.Errorf("sealing piece: %w", err)
	}

	batch := s.db.StartBatch(ctx)
	if err := batch.Put(ctx, pieceKey(digest), sealed); err != nil {
		return err
	}
	if err := batch.Put(ctx, unsyncedPieceKey(digest), nil); err != nil {
		return err
	}
	if err := putRefs(ctx, batch, digest, refs); err != nil {
		return err
	}
	return batch.Execute(ctx)
}

func (s *PageStorage) writeRefs(ctx context.Context, src model.ObjectDigest, refs []Reference) error {
	batch := s.db.StartBatch(ctx)
	if err := putRefs(ctx, batch, src, refs); err != nil {
		return err
	}
	return batch.Execute(ctx)
}

func putRefs(ctx context.Context, batch keyvalstore.Batch, src model.ObjectDigest, refs []Reference) error {
	for _, ref := range refs {
		if ref.Digest.IsInlined() {
			continue
		}
		priority := []byte{byte(ref.Priority)}
		if err := batch.Put(ctx, objectRefKey(ref.Digest, src), priority); err != nil {
			return err
		}
		if err := batch.Put(ctx, outboundRefKey(src, ref.Digest), priority); err != nil {
			return err
		}
	}
	return nil
}

// HasObject reports whether the object is resolvable locally.
func (s *PageStorage) HasObject(ctx context.Context, id model.ObjectIdentifier) (bool, error) {
	if id.Digest.IsInlined() {
		return true, nil
	}
	return s.db.HasKey(ctx, pieceKey(id.Digest))
}

// GetPiece returns the sealed stored bytes of one piece, as shipped to the
// cloud.
func (s *PageStorage) GetPiece(ctx context.Context, id model.ObjectIdentifier) ([]byte, error) {
	if value, ok := id.Digest.InlineValue(); ok {
		return value, nil
	}
	return s.db.Get(ctx, pieceKey(id.Digest))
}

// GetUnsyncedPieces lists pieces not yet uploaded.
func (s *PageStorage) GetUnsyncedPieces(ctx context.Context) ([]model.ObjectIdentifier, error) {
	rows, err := s.db.GetByPrefix(ctx, []byte(unsyncedPieceKeyPrefix))
	if err != nil {
		return nil, err
	}
	ids := make([]model.ObjectIdentifier, 0, len(rows))
	for _, row := range rows {
		digest := model.ObjectDigest(keyvalstore.TrimPrefix(unsyncedPieceKeyPrefix, row.Key))
		ids = append(ids, model.ObjectIdentifier{Digest: digest})
	}
	return ids, nil
}

// MarkPieceSynced records that the piece reached the cloud.
func (s *PageStorage) MarkPieceSynced(ctx context.Context, id model.ObjectIdentifier) error {
	batch := s.db.StartBatch(ctx)
	if err := batch.Delete(ctx, unsyncedPieceKey(id.Digest)); err != nil {
		return err
	}
	return batch.Execute(ctx)
}

// GetObject reconstructs the full object addressed by id, resolving pieces
// locally first and then, if the location allows, from the cloud.
func (s *PageStorage) GetObject(ctx context.Context, id model.ObjectIdentifier, location Location) ([]byte, error) {
	kind, content, err := s.getPiecePayload(ctx, id, location)
	if err != nil {
		return nil, err
	}
	if kind == pieceKindChunk {
		return content, nil
	}

	index, err := decodeIndexPiece(content)
	if err != nil {
		return nil, err
	}
	var out []byte
	for _, ic := range index.chunks {
		chunkKind, chunkContent, err := s.getPiecePayload(ctx, model.ObjectIdentifier{KeyIndex: id.KeyIndex, Digest: ic.digest}, location)
		if err != nil {
			return nil, err
		}
		if chunkKind != pieceKindChunk {
			return nil, fmt.Errorf("%w: nested index piece", model.ErrDataIntegrity)
		}
		out = append(out, chunkContent...)
	}
	return out, nil
}

// GetObjectPart returns maxSize bytes of the object starting at offset,
// fetching only the pieces that cover the range. A negative offset counts
// from the end.
func (s *PageStorage) GetObjectPart(ctx context.Context, id model.ObjectIdentifier, offset, maxSize int64, location Location) ([]byte, error) {
	kind, content, err := s.getPiecePayload(ctx, id, location)
	if err != nil {
		return nil, err
	}
	if kind == pieceKindChunk {
		return clampRange(content, offset, maxSize), nil
	}

	index, err := decodeIndexPiece(content)
	if err != nil {
		return nil, err
	}
	var total int64
	for _, ic := range index.chunks {
		total += int64(ic.size)
	}
	start, end := resolveRange(total, offset, maxSize)

	var out []byte
	var pos int64
	for _, ic := range index.chunks {
		chunkStart, chunkEnd := pos, pos+int64(ic.size)
		pos = chunkEnd
		if chunkEnd <= start || chunkStart >= end {
			continue
		}
		_, chunkContent, err := s.getPiecePayload(ctx, model.ObjectIdentifier{KeyIndex: id.KeyIndex, Digest: ic.digest}, location)
		if err != nil {
			return nil, err
		}
		from := int64(0)
		if start > chunkStart {
			from = start - chunkStart
		}
		to := int64(len(chunkContent))
		if end < chunkEnd {
			to = end - chunkStart
		}
		out = append(out, chunkContent[from:to]...)
	}
	return out, nil
}

func (s *PageStorage) getPiecePayload(ctx context.Context, id model.ObjectIdentifier, location Location) (byte, []byte, error) {
	if value, ok := id.Digest.InlineValue(); ok {
		return pieceKindChunk, value, nil
	}

	sealed, err := s.db.Get(ctx, pieceKey(id.Digest))
	if err == nil {
		payload, err := s.enc.DecryptPiece(sealed)
		if err != nil {
			return 0, nil, err
		}
		return payload[0], payload[1:], nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return 0, nil, err
	}
	if !location.network {
		return 0, nil, model.ErrNotFound
	}

	delegate := s.syncDelegate()
	if delegate == nil {
		return 0, nil, model.ErrNotFound
	}
	fetched, err := delegate.GetObject(ctx, id, location.objectType())
	if err != nil {
		return 0, nil, err
	}
	payload, err := s.enc.DecryptPiece(fetched)
	if err != nil {
		return 0, nil, err
	}
	if len(payload) == 0 {
		return 0, nil, fmt.Errorf("%w: empty piece payload", model.ErrDataIntegrity)
	}
	kind, content := payload[0], payload[1:]
	if model.DigestFromContent(content) != id.Digest {
		return 0, nil, fmt.Errorf("%w: piece %s", model.ErrDataIntegrity, id.Digest)
	}

	// Persist the verified piece; network-fetched pieces are synced by
	// definition. Index pieces re-establish their chunk references.
	var refs []Reference
	if kind == pieceKindIndex {
		index, err := decodeIndexPiece(content)
		if err != nil {
			return 0, nil, err
		}
		for _, ic := range index.chunks {
			refs = append(refs, Reference{Digest: ic.digest, Priority: model.KeyPriorityEager})
		}
	}
	if err := s.storeFetchedPiece(ctx, id.Digest, fetched, refs); err != nil {
		return 0, nil, err
	}
	return kind, content, nil
}

// storeFetchedPiece persists a piece that arrived from the cloud: no
// unsynced marker, it is already up there.
func (s *PageStorage) storeFetchedPiece(ctx context.Context, digest model.ObjectDigest, sealed []byte, refs []Reference) error {
	batch := s.db.StartBatch(ctx)
	if err := batch.Put(ctx, pieceKey(digest), sealed); err != nil {
		return err
	}
	if err := putRefs(ctx, batch, digest, refs); err != nil {
		return err
	}
	return batch.Execute(ctx)
}

func (s *PageStorage) getTreeEntries(ctx context.Context, root model.ObjectIdentifier, location Location) ([]model.Entry, error) {
	data, err := s.GetObject(ctx, root, LocalOnly())
	if err == nil {
		return btree.Decode(data)
	}
	if !errors.Is(err, model.ErrNotFound) || !location.network {
		return nil, err
	}

	// A missing tree is first requested as a diff against a parent tree we
	// already hold; that is usually a fraction of the full node. Any
	// failure falls back to the full fetch, which verifies the digest on
	// its own.
	if location.isTree {
		if entries, ok := s.treeFromDiff(ctx, root, location.treeCommit); ok {
			return entries, nil
		}
	}
	data, err = s.GetObject(ctx, root, location)
	if err != nil {
		return nil, err
	}
	return btree.Decode(data)
}

func (s *PageStorage) treeFromDiff(ctx context.Context, root model.ObjectIdentifier, commitID model.CommitID) ([]model.Entry, bool) {
	delegate := s.syncDelegate()
	if delegate == nil {
		return nil, false
	}
	commit, err := s.GetCommit(ctx, commitID)
	if err != nil {
		return nil, false
	}

	parents := make(map[model.CommitID]*commitgraph.Commit)
	var baseIDs []model.CommitID
	for _, parentID := range commit.Parents() {
		parent, err := s.GetCommit(ctx, parentID)
		if err != nil {
			continue
		}
		local, err := s.HasObject(ctx, parent.Root())
		if err != nil || !local {
			continue
		}
		parents[parentID] = parent
		baseIDs = append(baseIDs, parentID)
	}
	if len(baseIDs) == 0 {
		return nil, false
	}

	diff, err := delegate.GetDiff(ctx, commitID, baseIDs)
	if err != nil {
		s.log.WithError(err).Debug("tree diff fetch failed, falling back to full fetch")
		return nil, false
	}
	base, ok := parents[diff.Base]
	if !ok {
		return nil, false
	}
	baseEntries, err := s.getTreeEntries(ctx, base.Root(), LocalOnly())
	if err != nil {
		return nil, false
	}

	entries := btree.ApplyChanges(baseEntries, diff.Changes)
	encoded := btree.Encode(entries)
	if model.DigestFromContent(encoded) != root.Digest {
		s.log.Warn("diff-reconstructed tree does not match root digest, falling back to full fetch")
		return nil, false
	}

	if !root.Digest.IsInlined() {
		sealed, err := s.enc.EncryptPiece(append([]byte{pieceKindChunk}, encoded...))
		if err != nil {
			return nil, false
		}
		refs := make([]Reference, 0, len(entries))
		for _, entry := range entries {
			refs = append(refs, Reference{Digest: entry.Object.Digest, Priority: entry.Priority})
		}
		if err := s.storeFetchedPiece(ctx, root.Digest, sealed, refs); err != nil {
			return nil, false
		}
	}
	return entries, true
}

func clampRange(content []byte, offset, maxSize int64) []byte {
	start, end := resolveRange(int64(len(content)), offset, maxSize)
	return content[start:end]
}

func resolveRange(total, offset, maxSize int64) (int64, int64) {
	start := offset
	if start < 0 {
		start = total + start
	}
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	end := total
	if maxSize >= 0 && start+maxSize < total {
		end = start + maxSize
	}
	return start, end
}

type indexedChunk struct {
	digest model.ObjectDigest
	size   uint64
}

type indexPiece struct {
	chunks []indexedChunk
}

func (p indexPiece) encode() []byte {
	out := binary.AppendUvarint(nil, uint64(len(p.chunks)))
	for _, ic := range p.chunks {
		out = binary.AppendUvarint(out, ic.size)
		out = binary.AppendUvarint(out, uint64(len(ic.digest)))
		out = append(out, ic.digest...)
	}
	return out
}

func decodeIndexPiece(data []byte) (indexPiece, error) {
	var p indexPiece
	count, n := binary.Uvarint(data)
	if n <= 0 {
		return p, fmt.Errorf("%w: bad index piece", model.ErrDataIntegrity)
	}
	rest := data[n:]
	for i := uint64(0); i < count; i++ {
		size, n := binary.Uvarint(rest)
		if n <= 0 {
			return p, fmt.Errorf("%w: bad index piece size", model.ErrDataIntegrity)
		}
		rest = rest[n:]
		dlen, n := binary.Uvarint(rest)
		if n <= 0 || uint64(len(rest)-n) < dlen {
			return p, fmt.Errorf("%w: bad index piece digest", model.ErrDataIntegrity)
		}
		digest := model.ObjectDigest(rest[n : n+int(dlen)])
		rest = rest[n+int(dlen):]
		p.chunks = append(p.chunks, indexedChunk{digest: digest, size: size})
	}
	if len(rest) != 0 {
		return p, fmt.Errorf("%w: trailing bytes in index piece", model.ErrDataIntegrity)
	}
	return p, nil
}
