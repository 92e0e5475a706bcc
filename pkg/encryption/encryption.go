// Package encryption seals commit and piece payloads before they reach the
// local store or the cloud, and derives the obfuscated names under which
// the cloud sees commits and objects.
package encryption

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"

	"github.com/ulikunitz/xz/lzma"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/tidemark-db/tidemark/pkg/model"
)

// Service is the encryption surface the storage engine and sync machines
// consume. The name/id encoding methods must be deterministic; the payload
// methods may be randomized.
type Service interface {
	EncryptCommit(data []byte) ([]byte, error)
	DecryptCommit(data []byte) ([]byte, error)
	// Piece payloads are compressed before sealing; digests are always
	// computed over the plaintext.
	EncryptPiece(data []byte) ([]byte, error)
	DecryptPiece(data []byte) ([]byte, error)
	EncryptEntryPayload(data []byte) ([]byte, error)
	DecryptEntryPayload(data []byte) ([]byte, error)
	// EncodeCommitID maps a local commit id to the name the cloud sees.
	EncodeCommitID(id model.CommitID) string
	// GetObjectName maps an object identifier to its cloud-side name.
	GetObjectName(id model.ObjectIdentifier) string
}

// ChaChaService implements Service with XChaCha20-Poly1305 sealing and
// lzma compression of piece payloads.
type ChaChaService struct {
	key      [32]byte
	nameSalt []byte
}

// NewService derives the sealing key from a shared secret. Every device of
// a user must be configured with the same secret.
func NewService(secret []byte) *ChaChaService {
	s := &ChaChaService{key: sha256.Sum256(secret)}
	salt := sha256.Sum256(append([]byte("tidemark-name-salt/"), secret...))
	s.nameSalt = salt[:]
	return s
}

func (s *ChaChaService) seal(data []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, data, nil), nil
}

func (s *ChaChaService) open(data []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key[:])
	if err != nil {
		return nil, err
	}
	if len(data) < chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: sealed payload too short", model.ErrDataIntegrity)
	}
	nonce, sealed := data[:chacha20poly1305.NonceSizeX], data[chacha20poly1305.NonceSizeX:]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: unseal: %v", model.ErrDataIntegrity, err)
	}
	return plain, nil
}

func (s *ChaChaService) EncryptCommit(data []byte) ([]byte, error) {
	return s.seal(data)
}

func (s *ChaChaService) DecryptCommit(data []byte) ([]byte, error) {
	return s.open(data)
}

func (s *ChaChaService) EncryptPiece(data []byte) ([]byte, error) {
	compressed, err := compressWithLzma(data)
	if err != nil {
		return nil, fmt.Errorf("compressing piece: %w", err)
	}
	return s.seal(compressed)
}

func (s *ChaChaService) DecryptPiece(data []byte) ([]byte, error) {
	compressed, err := s.open(data)
	if err != nil {
		return nil, err
	}
	plain, err := decompressWithLzma(compressed)
	if err != nil {
		return nil, fmt.Errorf("%w: decompressing piece: %v", model.ErrDataIntegrity, err)
	}
	return plain, nil
}

func (s *ChaChaService) EncryptEntryPayload(data []byte) ([]byte, error) {
	return s.seal(data)
}

func (s *ChaChaService) DecryptEntryPayload(data []byte) ([]byte, error) {
	return s.open(data)
}

func (s *ChaChaService) EncodeCommitID(id model.CommitID) string {
	sum := sha512.Sum512(append(append([]byte{'c'}, s.nameSalt...), id...))
	return hex.EncodeToString(sum[:32])
}

func (s *ChaChaService) GetObjectName(id model.ObjectIdentifier) string {
	payload := append([]byte{'o'}, s.nameSalt...)
	payload = append(payload, byte(id.KeyIndex>>24), byte(id.KeyIndex>>16), byte(id.KeyIndex>>8), byte(id.KeyIndex))
	payload = append(payload, id.Digest...)
	sum := sha512.Sum512(payload)
	return hex.EncodeToString(sum[:32])
}

func compressWithLzma(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := lzma.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err = w.Write(data); err != nil {
		return nil, err
	}
	if err = w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressWithLzma(data []byte) ([]byte, error) {
	r, err := lzma.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err = buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
