package snapshot

import (
	"context"
	"encoding/json"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
)

const keyPrefix = "position/"

// BadgerStore keeps snapshots in an embedded Badger database.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens the database in dir. An empty dir opens an in-memory
// database, which is lost on Close.
func OpenBadger(dir string) (*BadgerStore, error) {
	var opts badger.Options
	if strings.TrimSpace(dir) == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(dir)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open badger at %q", dir)
	}
	return &BadgerStore{db: db}, nil
}

func (b *BadgerStore) Save(_ context.Context, s Snapshot) error {
	if s.PositionID == "" {
		return errors.New("snapshot without position id")
	}
	val, err := json.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "marshal snapshot")
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+s.PositionID), val)
	})
}

func (b *BadgerStore) Load(_ context.Context, positionID string) (Snapshot, error) {
	var s Snapshot
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + positionID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return errors.Wrap(ErrNotExists, positionID)
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &s)
		})
	})
	if err != nil {
		return Snapshot{}, err
	}
	return s, nil
}

func (b *BadgerStore) Delete(_ context.Context, positionID string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(keyPrefix + positionID))
	})
}

func (b *BadgerStore) List(_ context.Context) ([]Snapshot, error) {
	var out []Snapshot
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var s Snapshot
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &s)
			}); err != nil {
				return errors.Wrapf(err, "decode %s", it.Item().Key())
			}
			out = append(out, s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortByID(out)
	return out, nil
}

func (b *BadgerStore) Close() error {
	return b.db.Close()
}
