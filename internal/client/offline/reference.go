package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"restaurant-sync/internal/domain"
)

// Cached is one reference record with the time it was written locally.
type Cached[T any] struct {
	Record   T         `json:"record"`
	CachedAt time.Time `json:"cached_at"`
}

// ReferenceData is the cached menu and floor plan. CachedAt is the time of
// the last write and stays zero until something was cached.
type ReferenceData struct {
	Products   []Cached[domain.Product]  `json:"products"`
	Categories []Cached[domain.Category] `json:"categories"`
	Tables     []Cached[domain.Table]    `json:"tables"`
	CachedAt   time.Time                 `json:"cached_at"`
}

// Plain strips the stamps.
func (r ReferenceData) Plain() domain.ReferenceData {
	return domain.ReferenceData{
		Products:   records(r.Products),
		Categories: records(r.Categories),
		Tables:     records(r.Tables),
	}
}

func records[T any](in []Cached[T]) []T {
	out := make([]T, 0, len(in))
	for _, c := range in {
		out = append(out, c.Record)
	}
	return out
}

var (
	refProducts   = []byte("products")
	refCategories = []byte("categories")
	refTables     = []byte("tables")
	refWrittenAt  = []byte("written_at")
)

// CacheReferenceData replaces the cached copy. Every record is stored under
// its id with its own stamp.
func (q *Queue) CacheReferenceData(ctx context.Context, products []domain.Product, categories []domain.Category, tables []domain.Table) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	at := q.now().UTC()
	stamp, err := at.MarshalText()
	if err != nil {
		return fmt.Errorf("offline: encode cache time: %w", err)
	}

	err = q.db.Update(func(tx *bolt.Tx) error {
		ref := tx.Bucket(bucketRef)
		if err := putRecords(ref, refProducts, products, at, func(p domain.Product) int64 { return p.ID }); err != nil {
			return err
		}
		if err := putRecords(ref, refCategories, categories, at, func(c domain.Category) int64 { return c.ID }); err != nil {
			return err
		}
		if err := putRecords(ref, refTables, tables, at, func(t domain.Table) int64 { return t.ID }); err != nil {
			return err
		}
		return ref.Put(refWrittenAt, stamp)
	})
	if err != nil {
		return fmt.Errorf("offline: cache reference data: %w", err)
	}
	return nil
}

// putRecords swaps the named sub-bucket for a fresh one holding recs.
func putRecords[T any](ref *bolt.Bucket, name []byte, recs []T, at time.Time, id func(T) int64) error {
	if ref.Bucket(name) != nil {
		if err := ref.DeleteBucket(name); err != nil {
			return err
		}
	}
	b, err := ref.CreateBucket(name)
	if err != nil {
		return err
	}
	for _, r := range recs {
		v, err := json.Marshal(Cached[T]{Record: r, CachedAt: at})
		if err != nil {
			return err
		}
		if err := b.Put(seqKey(uint64(id(r))), v); err != nil {
			return err
		}
	}
	return nil
}

// ReadCachedReferenceData returns the last cached copy in id order; a zero
// CachedAt means nothing was cached yet.
func (q *Queue) ReadCachedReferenceData(ctx context.Context) (ReferenceData, error) {
	if err := ctx.Err(); err != nil {
		return ReferenceData{}, err
	}
	var out ReferenceData
	err := q.db.View(func(tx *bolt.Tx) error {
		ref := tx.Bucket(bucketRef)
		if v := ref.Get(refWrittenAt); v != nil {
			if err := out.CachedAt.UnmarshalText(v); err != nil {
				return err
			}
		}
		var err error
		if out.Products, err = readRecords[domain.Product](ref, refProducts); err != nil {
			return err
		}
		if out.Categories, err = readRecords[domain.Category](ref, refCategories); err != nil {
			return err
		}
		out.Tables, err = readRecords[domain.Table](ref, refTables)
		return err
	})
	if err != nil {
		return ReferenceData{}, fmt.Errorf("offline: read reference data: %w", err)
	}
	return out, nil
}

func readRecords[T any](ref *bolt.Bucket, name []byte) ([]Cached[T], error) {
	out := []Cached[T]{}
	b := ref.Bucket(name)
	if b == nil {
		return out, nil
	}
	err := b.ForEach(func(_, v []byte) error {
		var c Cached[T]
		if err := json.Unmarshal(v, &c); err != nil {
			return err
		}
		out = append(out, c)
		return nil
	})
	return out, err
}
