package core

// Disk-backed Store implementation, backed by github.com/cosmos/cosmos-db's
// GoLevelDB — an ordered, bytewise-sorted on-disk key-value engine. Adopted
// from the broader retrieval pack (blockberries-punnet-sdk/store, which
// wraps the same dbm.DB interface for its IAVL tree) since the teacher repo
// hand-rolls storage rather than depending on an embedded database.

import (
	"bytes"
	"fmt"

	dbm "github.com/cosmos/cosmos-db"
)

type DiskStore struct {
	db dbm.DB
}

// NewDiskStore opens (or creates) a GoLevelDB database rooted at dir, with
// the on-disk files named name (".db" suffix added by the driver).
func NewDiskStore(name, dir string) (*DiskStore, error) {
	db, err := dbm.NewGoLevelDB(name, dir)
	if err != nil {
		return nil, fmt.Errorf("%w: open goleveldb: %v", ErrStoreIO, err)
	}
	return &DiskStore{db: db}, nil
}

func (s *DiskStore) Get(key []byte) ([]byte, error) {
	v, err := s.db.Get(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreIO, err)
	}
	if v == nil {
		return nil, ErrNotFound
	}
	return v, nil
}

func (s *DiskStore) Put(key, value []byte) error {
	if err := s.db.Set(key, value); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreIO, err)
	}
	return nil
}

func (s *DiskStore) Delete(key []byte) error {
	if err := s.db.Delete(key); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreIO, err)
	}
	return nil
}

func (s *DiskStore) Batch(ops []BatchOp) error {
	b := s.db.NewBatch()
	defer b.Close()
	for _, op := range ops {
		switch op.Kind {
		case OpPut:
			if err := b.Set(op.Key, op.Value); err != nil {
				return fmt.Errorf("%w: %v", ErrStoreIO, err)
			}
		case OpDelete:
			if err := b.Delete(op.Key); err != nil {
				return fmt.Errorf("%w: %v", ErrStoreIO, err)
			}
		default:
			return fmt.Errorf("clawnet: unknown batch op %d", op.Kind)
		}
	}
	if err := b.WriteSync(); err != nil {
		return fmt.Errorf("%w: batch write: %v", ErrStoreIO, err)
	}
	return nil
}

func (s *DiskStore) Range(prefix, start, end []byte, limit int) (RangeIterator, error) {
	lo := append(append([]byte{}, prefix...), start...)
	var hi []byte
	if end != nil {
		hi = append(append([]byte{}, prefix...), end...)
	} else {
		hi = prefixUpperBound(prefix)
	}
	it, err := s.db.Iterator(lo, hi)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreIO, err)
	}
	return &diskIterator{it: it, prefix: prefix, limit: limit}, nil
}

func (s *DiskStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreIO, err)
	}
	return nil
}

// prefixUpperBound returns the smallest byte string greater than every
// string with the given prefix, for use as an exclusive iterator bound.
func prefixUpperBound(prefix []byte) []byte {
	if len(prefix) == 0 {
		return nil
	}
	upper := append([]byte{}, prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil // all 0xff: unbounded above
}

type diskIterator struct {
	it      dbm.Iterator
	prefix  []byte
	limit   int
	count   int
	started bool
}

func (d *diskIterator) Next() bool {
	if !d.started {
		d.started = true
	} else {
		d.it.Next()
	}
	if d.limit > 0 && d.count >= d.limit {
		return false
	}
	if !d.it.Valid() {
		return false
	}
	if !bytes.HasPrefix(d.it.Key(), d.prefix) {
		return false
	}
	d.count++
	return true
}

func (d *diskIterator) Key() []byte   { return d.it.Key() }
func (d *diskIterator) Value() []byte { return d.it.Value() }
func (d *diskIterator) Error() error  { return d.it.Error() }
func (d *diskIterator) Close() error  { return d.it.Close() }
