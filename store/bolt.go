package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltStore is a single-file embedded reference adapter over
// go.etcd.io/bbolt, a direct teacher dependency. One bucket holds one
// collection's documents, JSON-encoded by key, grounded on the bucket-
// per-collection pattern used throughout the pack's BoltDB adapters. This
// satisfies the "file reference adapter" line of the Size Budget without
// building the on-disk/URI-addressed production adapter that spec.md §1
// places out of scope.
type BoltStore struct {
	db          *bolt.DB
	bucket      []byte
	name        string
	key         string
	lastUpdated string
}

// NewBoltStore opens (creating if absent) a bbolt database at path and
// returns a Store backed by the named bucket.
func NewBoltStore(path, collection, key, lastUpdated string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store %q: %w", path, err)
	}
	bucket := []byte(collection)
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket %q: %w", collection, err)
	}
	return &BoltStore{db: db, bucket: bucket, name: collection, key: key, lastUpdated: lastUpdated}, nil
}

func (s *BoltStore) Connect(ctx context.Context) error { return nil }
func (s *BoltStore) Close(ctx context.Context) error   { return s.db.Close() }
func (s *BoltStore) Name() string                      { return s.name }
func (s *BoltStore) KeyField() string                  { return s.key }
func (s *BoltStore) LastUpdatedField() string          { return s.lastUpdated }

func (s *BoltStore) all() ([]Document, error) {
	var docs []Document
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		return b.ForEach(func(k, v []byte) error {
			var d Document
			if err := json.Unmarshal(v, &d); err != nil {
				return fmt.Errorf("decode document %q: %w", k, err)
			}
			docs = append(docs, d)
			return nil
		})
	})
	return docs, err
}

func (s *BoltStore) Query(ctx context.Context, criteria Criteria, projection []string, sortSpec []Sort, skip, limit int) (<-chan Document, <-chan error) {
	out := make(chan Document)
	errCh := make(chan error, 1)

	all, err := s.all()
	if err != nil {
		close(out)
		errCh <- err
		close(errCh)
		return out, errCh
	}

	matched := make([]Document, 0, len(all))
	for _, d := range all {
		if matchCriteria(d, criteria) {
			matched = append(matched, d)
		}
	}
	sortDocuments(matched, sortSpec)
	if skip > 0 {
		if skip >= len(matched) {
			matched = nil
		} else {
			matched = matched[skip:]
		}
	}
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}

	go func() {
		defer close(out)
		defer close(errCh)
		for _, d := range matched {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case out <- projectDocument(d, projection, s.key, s.lastUpdated):
			}
		}
	}()
	return out, errCh
}

func (s *BoltStore) QueryOne(ctx context.Context, criteria Criteria, projection []string) (Document, bool, error) {
	docs, errCh := s.Query(ctx, criteria, projection, nil, 0, 1)
	for d := range docs {
		return d, true, nil
	}
	return nil, false, drainErr(errCh)
}

func (s *BoltStore) Count(ctx context.Context, criteria Criteria) (int, error) {
	all, err := s.all()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, d := range all {
		if matchCriteria(d, criteria) {
			n++
		}
	}
	return n, nil
}

func (s *BoltStore) Distinct(ctx context.Context, field string, criteria Criteria) ([]any, error) {
	all, err := s.all()
	if err != nil {
		return nil, err
	}
	seen := make(map[any]bool)
	var out []any
	for _, d := range all {
		if !matchCriteria(d, criteria) {
			continue
		}
		v, ok := d[field]
		if !ok || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out, nil
}

func (s *BoltStore) GroupBy(ctx context.Context, fields []string, criteria Criteria) ([]GroupResult, error) {
	all, err := s.all()
	if err != nil {
		return nil, err
	}
	groups := make(map[string]*GroupResult)
	var order []string
	for _, d := range all {
		if !matchCriteria(d, criteria) {
			continue
		}
		key := make(map[string]any, len(fields))
		gk := ""
		for _, f := range fields {
			key[f] = d[f]
			gk += fmtSprint(d[f]) + "\x00"
		}
		g, ok := groups[gk]
		if !ok {
			g = &GroupResult{Key: key}
			groups[gk] = g
			order = append(order, gk)
		}
		g.Members = append(g.Members, d)
	}
	out := make([]GroupResult, 0, len(order))
	for _, gk := range order {
		out = append(out, *groups[gk])
	}
	return out, nil
}

func (s *BoltStore) Update(ctx context.Context, docs []Document, keyFields []string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		for _, d := range docs {
			var k string
			if len(keyFields) > 0 && !(len(keyFields) == 1 && keyFields[0] == s.key) {
				k = compositeKey(d, keyFields)
			} else {
				k = fmtSprint(d[s.key])
			}
			data, err := json.Marshal(d)
			if err != nil {
				return fmt.Errorf("encode document %q: %w", k, err)
			}
			if err := b.Put([]byte(k), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) RemoveDocs(ctx context.Context, criteria Criteria) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		var doomed [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var d Document
			if err := json.Unmarshal(v, &d); err != nil {
				return fmt.Errorf("decode document %q: %w", k, err)
			}
			if matchCriteria(d, criteria) {
				doomed = append(doomed, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) EnsureIndex(ctx context.Context, field string, unique bool) error {
	// bbolt has no secondary-index concept at this level; the bucket's
	// key is already the primary index, and Query scans the bucket, so
	// this is a no-op kept for interface parity.
	return nil
}

func (s *BoltStore) LastUpdated(ctx context.Context) (time.Time, error) {
	all, err := s.all()
	if err != nil {
		return time.Time{}, err
	}
	max := EpochTimestamp
	for _, d := range all {
		t, ok := AsTime(d[s.lastUpdated])
		if ok && t.After(max) {
			max = t
		}
	}
	return max, nil
}

func (s *BoltStore) NewerIn(ctx context.Context, other Store, criteria Criteria, exhaustive bool) ([]any, error) {
	return newerIn(ctx, s, other, criteria, exhaustive)
}
