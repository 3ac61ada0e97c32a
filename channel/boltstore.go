package channel

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path"

	bolt "go.etcd.io/bbolt"
)

// BoltStoreFileName is the name of the file a [BoltStateStore] writes to, mirroring drand's chain/boltdb store's
// BoltFileName.
const BoltStoreFileName = "tangleduplex.db"

// BoltStoreOpenPerm is the permission used when creating a new store file.
const BoltStoreOpenPerm = 0o660

var stateBucket = []byte("user-state")

const stateKey = "state"

// BoltStateStore is a durable, single-user alternative to holding a [User]'s exported state only in memory between
// calls to [User.Export]/[User.Import]: it persists the same encrypted blob to a bbolt file so a process restart
// does not require the caller to have stashed the last export anywhere else. Grounded on drand's
// chain/boltdb/store.go BoltStore — a mutex-free wrapper around a single bbolt bucket, opened once and reused for
// the process lifetime.
type BoltStateStore struct {
	db  *bolt.DB
	log Logger
}

// OpenBoltStateStore opens (creating if necessary) a bbolt-backed state store under folder. A nil logger is
// replaced with [NopLogger].
func OpenBoltStateStore(folder string, log Logger) (*BoltStateStore, error) {
	if log == nil {
		log = NopLogger()
	}
	if err := os.MkdirAll(folder, 0o750); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path.Join(folder, BoltStoreFileName), BoltStoreOpenPerm, nil)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(stateBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(linkStoreBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStateStore{db: db, log: log.Named("channel.boltstore")}, nil
}

// Close closes the underlying bbolt file.
func (s *BoltStateStore) Close() error {
	return s.db.Close()
}

// SaveExport persists u's encrypted export blob (see [User.Export]), overwriting any previously saved blob.
func (s *BoltStateStore) SaveExport(u *User, password []byte) error {
	blob, err := u.Export(password)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(stateBucket).Put([]byte(stateKey), blob)
	})
	if err != nil {
		return err
	}
	s.log.Debug("saved user state", "bytes", len(blob))
	return nil
}

// LoadExport loads a previously saved blob into u (see [User.Import]). It returns [ErrMessageNotFound] if nothing
// has been saved yet.
func (s *BoltStateStore) LoadExport(u *User, password []byte) error {
	var blob []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(stateBucket).Get([]byte(stateKey))
		if v == nil {
			return ErrMessageNotFound
		}
		blob = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return err
	}
	return u.Import(blob, password)
}

var linkStoreBucket = []byte("link-store")

const linkStoreKey = "snapshot"

// SaveLinkStore persists ls's entries (see [LinkStore.Snapshot]) so the link graph itself — not just cursors and
// keys — survives a restart without needing to re-walk the transport from the announce link.
func (s *BoltStateStore) SaveLinkStore(ls *LinkStore) error {
	snap, err := ls.Snapshot()
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return fmt.Errorf("channel: encode link store snapshot: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(linkStoreBucket).Put([]byte(linkStoreKey), buf.Bytes())
	})
}

// LoadLinkStore restores entries into ls, which must be empty. It returns [ErrMessageNotFound] if nothing has been
// saved yet.
func (s *BoltStateStore) LoadLinkStore(ls *LinkStore) error {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(linkStoreBucket).Get([]byte(linkStoreKey))
		if v == nil {
			return ErrMessageNotFound
		}
		raw = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return err
	}

	var snap linkStoreSnapshot
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&snap); err != nil {
		return fmt.Errorf("channel: decode link store snapshot: %w", err)
	}
	return ls.Restore(snap)
}
