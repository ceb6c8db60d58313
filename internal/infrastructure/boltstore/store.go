package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/clipstake/clipstake/internal/domain/session"
)

// FileName is the database created under the data directory.
const FileName = "session.db"

var (
	bucketSession = []byte("session")
	keyCurrent    = []byte("current")
)

// Store keeps the session snapshot in a bbolt file. Each Save replaces the
// previous snapshot in a single transaction.
type Store struct {
	db *bolt.DB
}

// Open creates or opens <dir>/session.db.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := bolt.Open(filepath.Join(dir, FileName), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSession)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init bucket: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Save(ctx context.Context, snap session.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSession).Put(keyCurrent, data)
	})
}

func (s *Store) Load(ctx context.Context) (*session.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out *session.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketSession).Get(keyCurrent)
		if raw == nil {
			return nil
		}
		var snap session.Snapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			return fmt.Errorf("%w: %v", session.ErrCorruptSnapshot, err)
		}
		out = &snap
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSession).Delete(keyCurrent)
	})
}

var _ session.Repository = (*Store)(nil)
