/* SPDX-License-Identifier: Apache-2.0
 *
 * Copyright 2023 Damian Peckett <damian@peckett>.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package qcow2

import (
	"github.com/goburrow/cache"
)

const (
	defaultL2CacheSize      = 8
	defaultClusterCacheSize = 16
)

// clusterCacheKey identifies a decoded cluster block. It carries enough of
// the resolved ClusterFate to re-derive the block on a cache miss without
// re-resolving the L1/L2 tables: the physical offset, the fate kind (raw
// vs. compressed read differently) and, for compressed clusters, the
// on-disk span to inflate.
// logicalClusterStart is included because AES decryption derives its
// per-sector IV from the logical sector index, not the physical one: two
// logical clusters cannot safely share a cache entry under encryption even
// if (in a well-formed image) they never point at the same physical offset
// anyway. Carrying it keeps the cache correct without relying on that
// assumption.
type clusterCacheKey struct {
	kind                clusterFateKind
	fileOffset          int64
	compressedLength    int64
	logicalClusterStart int64
}

// newLoadingCaches builds the two bounded LRU caches: one keyed by L2 table
// offset, one keyed by data cluster identity.
//
// cache.LoadingCache.Get guarantees at most one call to the loader per key
// under concurrent access, so N readers missing on the same cluster cost a
// single physical fetch; late arrivals block until the first load completes
// and then share its buffer. A failed load is not cached and the next Get
// retries.
func (f *File) newLoadingCaches(l2Size, clusterSize int) {
	if l2Size <= 0 {
		l2Size = defaultL2CacheSize
	}
	if clusterSize <= 0 {
		clusterSize = defaultClusterCacheSize
	}

	f.l2Cache = cache.NewLoadingCache(f.loadL2Table, cache.WithMaximumSize(l2Size))
	f.clusterCache = cache.NewLoadingCache(f.loadClusterBlockCacheEntry, cache.WithMaximumSize(clusterSize))
}

// loadL2Table is the cache.LoaderFunc backing f.l2Cache. It is only invoked
// on a miss; the LoadingCache itself deduplicates concurrent misses for the
// same offset.
func (f *File) loadL2Table(key cache.Key) (cache.Value, error) {
	offset := key.(int64)

	// An L2 table is l2_size 8-byte entries. For v2/v3 that is exactly one
	// cluster; v1 declares l2_bits independently of cluster_bits.
	buf := make([]byte, f.header.L2Size*8)
	if _, err := f.src.readAt(buf, offset); err != nil {
		return nil, err
	}

	return buf, nil
}

// loadClusterBlockCacheEntry is the cache.LoaderFunc backing f.clusterCache.
func (f *File) loadClusterBlockCacheEntry(key cache.Key) (cache.Value, error) {
	k := key.(clusterCacheKey)
	return f.decodeClusterBlock(k)
}

// getL2Table returns the still-raw bytes of the L2 table at the given file
// offset, fetching and caching it on first use.
func (f *File) getL2Table(offset int64) ([]byte, error) {
	v, err := f.l2Cache.Get(offset)
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// getClusterBlock returns the decoded (raw/decompressed/decrypted) payload
// for a Raw or Compressed fate, fetching and caching it on first use. Zero
// and backing-deferred unallocated fates never reach the cache; callers
// handle those before calling getClusterBlock. logicalClusterStart is the
// cluster-aligned media offset the fate was resolved from, needed to derive
// the correct AES IV on a miss.
func (f *File) getClusterBlock(fate clusterFate, logicalClusterStart int64) ([]byte, error) {
	key := clusterCacheKey{
		kind:                fate.kind,
		fileOffset:          fate.fileOffset,
		compressedLength:    fate.compressedLength,
		logicalClusterStart: logicalClusterStart,
	}

	v, err := f.clusterCache.Get(key)
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}
