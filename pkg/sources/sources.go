// Package sources is the Source Snapshot Store (spec §4.2): a
// content-addressed copy of an experiment's source tree kept inside the
// database so a job can later execute the exact code version it was
// staged with. Staging (the capture side) is out of scope (spec §4.2);
// this package only restores.
package sources

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/seml-project/seml/internal/errs"
)

// Chunk is one content-addressed blob: a relative path within the
// restored tree plus the bytes stored under its sha256 hash.
type Chunk struct {
	Hash string `bson:"_id"`
	Path string `bson:"path"`
	Data []byte `bson:"data"`
}

// Store restores experiment source snapshots from the chunks collection
// into local directories.
type Store struct {
	chunks *mongo.Collection
}

// New binds a Store to the chunks collection of db.
func New(db *mongo.Database) *Store {
	return &Store{chunks: db.Collection("source_chunks")}
}

// Hash computes the content address for a blob of file data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Put stores a single file's content under its hash, returning the hash
// to be appended to an experiment's seml.source_files list. Idempotent:
// storing identical content twice is a no-op write (same _id).
func (s *Store) Put(ctx context.Context, relPath string, data []byte) (string, error) {
	hash := Hash(data)
	_, err := s.chunks.UpdateOne(ctx,
		bson.M{"_id": hash},
		bson.M{"$setOnInsert": Chunk{Hash: hash, Path: relPath, Data: data}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return "", errs.NewStorageError("put_source_chunk", err)
	}
	return hash, nil
}

// Restore writes every chunk named by hashes to disjoint paths under dir,
// creating parent directories as needed. Restore is idempotent: if a
// destination file already has the expected content, it is left alone
// rather than rewritten — applying Restore twice produces byte-identical
// output to applying it once (spec §8 property 2).
//
// Callers must pass a freshly created, private directory (mode 0700) to
// prevent cross-job contamination (spec §4.2). Restore creates missing
// directories, dir included, with mode 0700, but does not check that an
// existing dir is fresh or private.
func Restore(ctx context.Context, store *Store, hashes []string, dir string) error {
	for _, h := range hashes {
		var chunk Chunk
		if err := store.chunks.FindOne(ctx, bson.M{"_id": h}).Decode(&chunk); err != nil {
			return errs.NewStorageError("restore_source_chunk", err)
		}

		dest := filepath.Join(dir, filepath.FromSlash(chunk.Path))
		if unchanged(dest, chunk.Data) {
			continue
		}

		if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
			return err
		}
		if err := os.WriteFile(dest, chunk.Data, 0o600); err != nil {
			return err
		}
	}
	return nil
}

// unchanged reports whether dest already holds exactly data.
func unchanged(dest string, data []byte) bool {
	existing, err := os.ReadFile(dest)
	if err != nil {
		return false
	}
	return bytes.Equal(existing, data)
}
