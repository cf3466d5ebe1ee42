// internal/grid/local.go
package grid

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"

	"gridfold/internal/capability"
	"gridfold/internal/errs"
	"gridfold/internal/storage"
)

// Blobs below this size are stored raw; compression overhead is not
// worth it for tiny metadata objects.
const compressMin = 1024

// LocalGrid is a Grid backed by a badger database on this machine.
// It serves the single-device and test configurations, and doubles as
// the reference semantics for any remote grid client: content-derived
// blob capabilities, idempotent writes, last-writer-wins directories.
type LocalGrid struct {
	blobs *storage.BadgerStore
	dirs  *storage.BadgerStore
	cache *lru.Cache[string, []byte]

	mu sync.Mutex // serializes read-modify-write on directories

	enc *zstd.Encoder
	dec *zstd.Decoder
}

type blobRecord struct {
	Compressed bool   `json:"compressed"`
	Data       []byte `json:"data"`
}

type dirRecord struct {
	Entries map[string]string `json:"entries"`
}

type Options struct {
	CacheSize int // number of blobs kept in memory
}

func NewLocalGrid(db *badger.DB, opts Options) (*LocalGrid, error) {
	if opts.CacheSize == 0 {
		opts.CacheSize = 256
	}
	cache, err := lru.New[string, []byte](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating blob cache: %w", err)
	}

	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &LocalGrid{
		blobs: storage.NewBadgerStore(db, "blob"),
		dirs:  storage.NewBadgerStore(db, "dir"),
		cache: cache,
		enc:   enc,
		dec:   dec,
	}, nil
}

func (g *LocalGrid) WriteBlob(_ context.Context, data []byte) (capability.Capability, error) {
	if data == nil {
		data = []byte{}
	}

	h := sha256.Sum256(data)
	hash := hex.EncodeToString(h[:])
	cap := capability.ForBlob(hash)

	rec := blobRecord{Data: data}
	if len(data) >= compressMin {
		compressed := g.enc.EncodeAll(data, nil)
		if len(compressed) < len(data) {
			rec = blobRecord{Compressed: true, Data: compressed}
		}
	}

	// Content-addressed: an existing record is byte-identical.
	if _, err := g.blobs.PutIfAbsent(hash, rec); err != nil {
		return capability.Zero, fmt.Errorf("writing blob: %w", err)
	}

	g.cache.Add(hash, data)
	return cap, nil
}

func (g *LocalGrid) ReadBlob(_ context.Context, cap capability.Capability) ([]byte, error) {
	if !cap.IsBlob() {
		return nil, fmt.Errorf("capability %q is not a blob", cap)
	}
	hash := cap.ID()

	if data, ok := g.cache.Get(hash); ok {
		return data, nil
	}

	var rec blobRecord
	if err := g.blobs.Get(hash, &rec); err != nil {
		if errs.IsNotFound(err) {
			return nil, errs.NotFound(fmt.Sprintf("blob %s", cap))
		}
		return nil, errs.DirectoryUnavailable("reading blob", err)
	}

	data := rec.Data
	if rec.Compressed {
		var err error
		data, err = g.dec.DecodeAll(rec.Data, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing blob %s: %w", cap, err)
		}
	}

	g.cache.Add(hash, data)
	return data, nil
}

func (g *LocalGrid) CreateDirectory(_ context.Context) (capability.Capability, error) {
	id := uuid.New().String()
	if err := g.dirs.Put(id, dirRecord{Entries: map[string]string{}}); err != nil {
		return capability.Zero, fmt.Errorf("creating directory: %w", err)
	}
	return capability.ForDir(id, true), nil
}

func (g *LocalGrid) ListDirectory(_ context.Context, cap capability.Capability) (map[string]capability.Capability, error) {
	if !cap.IsDir() {
		return nil, fmt.Errorf("capability %q is not a directory", cap)
	}

	var rec dirRecord
	if err := g.dirs.Get(cap.ID(), &rec); err != nil {
		if errs.IsNotFound(err) {
			return nil, errs.DirectoryUnavailable(fmt.Sprintf("directory %s not found", cap.ReadOnly()), err)
		}
		return nil, errs.DirectoryUnavailable("listing directory", err)
	}

	out := make(map[string]capability.Capability, len(rec.Entries))
	for name, target := range rec.Entries {
		out[name] = capability.Capability(target)
	}
	return out, nil
}

func (g *LocalGrid) UpdateDirectory(_ context.Context, cap capability.Capability, name string, target capability.Capability) error {
	if !cap.IsDir() {
		return fmt.Errorf("capability %q is not a directory", cap)
	}
	if !cap.IsWritable() {
		return fmt.Errorf("capability %q is read-only", cap)
	}
	if name == "" {
		return fmt.Errorf("directory entry name cannot be empty")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	var rec dirRecord
	if err := g.dirs.Get(cap.ID(), &rec); err != nil {
		if errs.IsNotFound(err) {
			return errs.DirectoryUnavailable(fmt.Sprintf("directory %s not found", cap.ReadOnly()), err)
		}
		return errs.DirectoryUnavailable("reading directory", err)
	}
	if rec.Entries == nil {
		rec.Entries = map[string]string{}
	}
	rec.Entries[name] = string(target)

	if err := g.dirs.Put(cap.ID(), rec); err != nil {
		return fmt.Errorf("updating directory: %w", err)
	}
	return nil
}

// CopyBlob streams a blob from one grid into another, used when seeding
// a folder from a remote grid into the local one.
func CopyBlob(ctx context.Context, dst, src Grid, cap capability.Capability) (capability.Capability, error) {
	data, err := src.ReadBlob(ctx, cap)
	if err != nil {
		return capability.Zero, err
	}
	return dst.WriteBlob(ctx, data)
}

// ReadBlobTo writes a blob's bytes to w.
func ReadBlobTo(ctx context.Context, g Grid, cap capability.Capability, w io.Writer) error {
	data, err := g.ReadBlob(ctx, cap)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, bytes.NewReader(data))
	return err
}
