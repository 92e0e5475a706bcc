// Package backup streams a store's rows to and from an xz-compressed
// archive. The format is row-oriented, so restore works in bounded memory
// regardless of store size.
package backup

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ulikunitz/xz"

	"github.com/tidemark-db/tidemark/pkg/keyvalstore"
)

var magic = []byte("TMBK1")

// restoreBatchSize bounds how many rows one restore transaction carries.
const restoreBatchSize = 1000

// Export writes every row of db to w.
func Export(ctx context.Context, db keyvalstore.Db, w io.Writer) error {
	xw, err := xz.NewWriter(w)
	if err != nil {
		return fmt.Errorf("opening xz stream: %w", err)
	}
	if _, err := xw.Write(magic); err != nil {
		return err
	}

	it, err := db.GetIteratorAtPrefix(ctx, nil)
	if err != nil {
		return err
	}
	defer it.Close()

	for ; it.Valid(); it.Next() {
		value, err := it.Value()
		if err != nil {
			return err
		}
		if err := writeField(xw, it.Key()); err != nil {
			return err
		}
		if err := writeField(xw, value); err != nil {
			return err
		}
	}
	return xw.Close()
}

// Import replays an archive into db. Rows already present are overwritten;
// rows absent from the archive are left alone.
func Import(ctx context.Context, db keyvalstore.Db, r io.Reader) error {
	xr, err := xz.NewReader(r)
	if err != nil {
		return fmt.Errorf("opening xz stream: %w", err)
	}
	br := bufio.NewReader(xr)

	header := make([]byte, len(magic))
	if _, err := io.ReadFull(br, header); err != nil {
		return fmt.Errorf("reading archive header: %w", err)
	}
	if string(header) != string(magic) {
		return errors.New("not a backup archive")
	}

	batch := db.StartBatch(ctx)
	pending := 0
	for {
		key, err := readField(br)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		value, err := readField(br)
		if err != nil {
			return fmt.Errorf("truncated row: %w", err)
		}
		if err := batch.Put(ctx, key, value); err != nil {
			return err
		}
		pending++
		if pending >= restoreBatchSize {
			if err := batch.Execute(ctx); err != nil {
				return err
			}
			batch = db.StartBatch(ctx)
			pending = 0
		}
	}
	if pending > 0 {
		return batch.Execute(ctx)
	}
	return nil
}

func writeField(w io.Writer, data []byte) error {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], uint64(len(data)))
	if _, err := w.Write(buf[:n]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readField(r *bufio.Reader) ([]byte, error) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
