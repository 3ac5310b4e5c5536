// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package catalog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BlobMeta is the catalog-side metadata row for a blob (spec.md §3/§4.1).
// Physical bytes live under internal/blobstore's sharded directory;
// this struct is everything BlobStore.stats()/gc() need without touching
// disk.
type BlobMeta struct {
	Digest         string    `json:"digest"`
	Size           int64     `json:"size"`
	CompressedSize int64     `json:"compressedSize"`
	Algo           string    `json:"algo"`
	RefCount       int64     `json:"refCount"`
	CreatedAt      time.Time `json:"createdAt"`
}

// PutBlobMeta inserts metadata for a newly-written blob with refCount=0,
// or is a no-op if the digest is already known (spec.md §4.1: put is
// idempotent).
func (c *Catalog) PutBlobMeta(ctx context.Context, meta BlobMeta) error {
	return c.WithTxn(ctx, func(txn *badger.Txn) error {
		var existing BlobMeta
		if err := getJSON(txn, keyBlob(meta.Digest), &existing); err == nil {
			return nil // already present; put() is idempotent (spec.md §4.1)
		}
		if err := putJSON(txn, keyBlob(meta.Digest), meta); err != nil {
			return err
		}
		return txn.Set([]byte(keyBlobZeroRef(meta.Digest)), nil)
	})
}

// GetBlobMeta fetches metadata for digest, returning ErrNotFound if absent.
func (c *Catalog) GetBlobMeta(ctx context.Context, digest string) (BlobMeta, error) {
	var meta BlobMeta
	err := c.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, keyBlob(digest), &meta)
	})
	return meta, err
}

// IncRef increments digest's refCount by n (spec.md §4.1).
func (c *Catalog) IncRef(ctx context.Context, digest string, n int64) error {
	return c.adjustRef(ctx, digest, n)
}

// DecRef decrements digest's refCount by n, floored at 0. Reaching 0
// does not delete the blob; it marks it eligible for gc() (spec.md §4.1/§4.6).
func (c *Catalog) DecRef(ctx context.Context, digest string, n int64) error {
	return c.adjustRef(ctx, digest, -n)
}

func (c *Catalog) adjustRef(ctx context.Context, digest string, delta int64) error {
	return c.WithTxn(ctx, func(txn *badger.Txn) error {
		var meta BlobMeta
		if err := getJSON(txn, keyBlob(digest), &meta); err != nil {
			return err
		}
		meta.RefCount += delta
		if meta.RefCount < 0 {
			meta.RefCount = 0
		}
		if err := putJSON(txn, keyBlob(digest), meta); err != nil {
			return err
		}
		zeroKey := []byte(keyBlobZeroRef(digest))
		if meta.RefCount == 0 {
			return txn.Set(zeroKey, nil)
		}
		if err := txn.Delete(zeroKey); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		return nil
	})
}

// ZeroRefBlobs returns metadata for every blob with refCount == 0,
// via the idx/ref0/ secondary index (spec.md §4.2: "(blobs.refCount)
// for GC").
func (c *Catalog) ZeroRefBlobs(ctx context.Context) ([]BlobMeta, error) {
	var out []BlobMeta
	err := c.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixBlobZeroRef)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			digest := string(it.Item().Key())[len(prefixBlobZeroRef):]
			var meta BlobMeta
			if err := getJSON(txn, keyBlob(digest), &meta); err != nil {
				continue
			}
			out = append(out, meta)
		}
		return nil
	})
	return out, err
}

// DeleteBlobMeta removes a blob's catalog row and zero-ref index entry,
// called by gc() after the on-disk blob file has been unlinked.
func (c *Catalog) DeleteBlobMeta(ctx context.Context, digest string) error {
	return c.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(keyBlob(digest))); err != nil {
			return err
		}
		if err := txn.Delete([]byte(keyBlobZeroRef(digest))); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		return nil
	})
}

// BlobStats aggregates totals across every known blob for BlobStore.stats().
type BlobStats struct {
	TotalBlobs       int64
	TotalUncompressed int64
	TotalCompressed   int64
}

// Stats computes aggregate blob statistics by scanning the blob/ keyspace.
func (c *Catalog) Stats(ctx context.Context) (BlobStats, error) {
	var stats BlobStats
	err := c.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixBlob)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			var meta BlobMeta
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &meta)
			})
			if err != nil {
				continue
			}
			stats.TotalBlobs++
			stats.TotalUncompressed += meta.Size
			stats.TotalCompressed += meta.CompressedSize
		}
		return nil
	})
	return stats, err
}
