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
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/goburrow/cache"
)

// openOptions collects the configurable knobs Open accepts. The zero value
// is the all-defaults case: read-only, default cache sizes, no key
// material, backing chain resolved from the header's backing_filename.
type openOptions struct {
	l2CacheSize      int
	clusterCacheSize int
	password         []byte
	key              []byte
	parent           *File
}

// Option configures a single aspect of Open.
type Option func(*openOptions)

// WithCacheSizes overrides the default L2-table and data-cluster LRU cache
// capacities.
func WithCacheSizes(l2, cluster int) Option {
	return func(o *openOptions) {
		o.l2CacheSize = l2
		o.clusterCacheSize = cluster
	}
}

// WithPassword sets the legacy AES password ahead of opening an encrypted
// image. Equivalent to calling SetPassword immediately after Open, except it
// also lets the very first probe read (if any) succeed.
func WithPassword(password []byte) Option {
	return func(o *openOptions) {
		o.password = password
	}
}

// WithKey sets a raw 16-byte AES-128 key, bypassing password derivation
// entirely.
func WithKey(key []byte) Option {
	return func(o *openOptions) {
		o.key = key
	}
}

// WithParent overrides backing-file resolution: instead of opening
// header.BackingFilename relative to this image's directory, reads of
// unallocated clusters defer to the already-open parent.
func WithParent(parent *File) Option {
	return func(o *openOptions) {
		o.parent = parent
	}
}

// File is the top-level handle onto a QCOW image. It owns the byte-source
// handle, the validated header, the materialised L1 table, both LRU caches,
// an optional cipher context, an optional recursive backing File, and the
// parsed snapshot directory. It is mutated only by Open, Close, the Set*
// methods and Abort; every read method is logically const and safe for
// concurrent use by many goroutines.
type File struct {
	path string

	src    *byteSource
	header *FileHeader

	l1Table []l1Entry

	l2Cache      cache.LoadingCache
	clusterCache cache.LoadingCache

	cipher *cipherContext

	zero []byte

	backing     *File
	ownsBacking bool

	snapshots []Snapshot

	aborted atomic.Bool
}

// Open parses path as a QCOW image and returns a ready-to-read File.
// Header, L1-table placement and (if applicable) backing-chain validation
// happen here; individual L1 and L2 entries are validated when a read first
// traverses them. A non-nil error means no resources were leaked.
func Open(path string, opts ...Option) (*File, error) {
	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}

	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	src, err := openByteSource(path)
	if err != nil {
		return nil, err
	}

	h, err := readHeader(src)
	if err != nil {
		_ = src.close()
		return nil, err
	}

	l1, err := readL1Table(src, h)
	if err != nil {
		_ = src.close()
		return nil, err
	}

	snapshots, err := readSnapshots(src, h)
	if err != nil {
		_ = src.close()
		return nil, err
	}

	f := &File{
		path:      path,
		src:       src,
		header:    h,
		l1Table:   l1,
		zero:      make([]byte, h.ClusterSize),
		snapshots: snapshots,
	}
	f.newLoadingCaches(o.l2CacheSize, o.clusterCacheSize)

	if len(o.key) > 0 {
		if err := f.SetKeys(o.key); err != nil {
			_ = f.Close()
			return nil, err
		}
	} else if len(o.password) > 0 {
		if err := f.SetPassword(o.password); err != nil {
			_ = f.Close()
			return nil, err
		}
	}

	if o.parent != nil {
		if err := f.SetParent(o.parent); err != nil {
			_ = f.Close()
			return nil, err
		}
	} else if h.BackingFilename != "" {
		backing, err := openBackingFile(f, h.BackingFilename, nil)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		f.backing = backing
		f.ownsBacking = true
	}

	return f, nil
}

// SetPassword derives and installs the legacy AES-128 key from password.
// Calling this on an unencrypted image is harmless; the key is simply never
// consulted.
func (f *File) SetPassword(password []byte) error {
	return f.SetKeys(aesKeyFromPassword(password))
}

// SetKeys installs a raw AES-128 key directly, bypassing password
// derivation.
func (f *File) SetKeys(key []byte) error {
	c, err := newCipherContext(key)
	if err != nil {
		return err
	}
	f.cipher = c
	return nil
}

// SetParent overrides the backing-file chain with an already-open File, in
// place of resolving header.BackingFilename. The caller retains ownership of
// parent: Close on f will not close it.
func (f *File) SetParent(parent *File) error {
	if err := checkBackingCycle(f, parent); err != nil {
		return err
	}
	if f.ownsBacking && f.backing != nil {
		_ = f.backing.Close()
	}
	f.backing = parent
	f.ownsBacking = false
	return nil
}

// GetMediaSize returns the logical device size in bytes.
func (f *File) GetMediaSize() int64 {
	return f.header.MediaSize
}

// GetFormatVersion returns the on-disk QCOW version (1, 2 or 3).
func (f *File) GetFormatVersion() Version {
	return f.header.Version
}

// GetEncryptionMethod returns the image's declared encryption method.
func (f *File) GetEncryptionMethod() EncryptionMethod {
	return f.header.EncryptionMethod
}

// GetNumberOfSnapshots returns the number of entries in the snapshot
// directory.
func (f *File) GetNumberOfSnapshots() int {
	return len(f.snapshots)
}

// GetSnapshot returns the i-th snapshot descriptor. It does not provide
// access to the snapshot's own data; reads always go through the current
// (live) L1 table.
func (f *File) GetSnapshot(i int) (*Snapshot, error) {
	if i < 0 || i >= len(f.snapshots) {
		return nil, newErr("GetSnapshot", KindOutOfRange, fmt.Errorf("snapshot index %d out of range", i))
	}
	s := f.snapshots[i]
	return &s, nil
}

// Abort requests cooperative cancellation of any in-progress or future
// ReadAt call on this File. It does not affect already-cached blocks, and
// Abort itself never blocks.
func (f *File) Abort() {
	f.aborted.Store(true)
}

// ReadAt fills buf from the logical media starting at offset, returning the
// number of bytes actually copied. Reads past the end of media are soft:
// offset == media_size returns (0, nil); offset > media_size returns
// ErrOutOfRange. A read that starts within bounds but would run past the
// end is silently truncated, since qcow2 media has no natural EOF marker
// short of its declared size.
func (f *File) ReadAt(buf []byte, offset int64) (int, error) {
	return f.readAtMedia(buf, offset)
}

func (f *File) readAtMedia(buf []byte, offset int64) (int, error) {
	if offset < 0 || offset > f.header.MediaSize {
		return 0, newErrAt("ReadAt", KindOutOfRange, offset, nil)
	}
	if offset == f.header.MediaSize {
		return 0, nil
	}

	want := len(buf)
	if int64(want) > f.header.MediaSize-offset {
		want = int(f.header.MediaSize - offset)
	}
	buf = buf[:want]

	total := 0
	clusterSize := f.header.ClusterSize

	for total < want {
		if f.aborted.Load() {
			return total, newErrAt("ReadAt", KindCancelled, offset, nil)
		}

		cur := offset + int64(total)
		clusterStart := cur &^ (clusterSize - 1)
		offsetInCluster := cur - clusterStart

		n := clusterSize - offsetInCluster
		if remaining := int64(want - total); n > remaining {
			n = remaining
		}

		fate, err := f.resolve(cur)
		if err != nil {
			return total, err
		}

		block, err := f.fetchClusterBlock(fate, clusterStart)
		if err != nil {
			return total, err
		}

		copy(buf[total:int64(total)+n], block[offsetInCluster:offsetInCluster+n])
		total += int(n)
	}

	return total, nil
}

// Close releases, in order, the cluster cache, the L2 cache, the cipher
// context, the L1 table, the backing file (recursively, if owned), and the
// byte-source handle. Close is idempotent.
func (f *File) Close() error {
	if f.clusterCache != nil {
		_ = f.clusterCache.Close()
		f.clusterCache = nil
	}
	if f.l2Cache != nil {
		_ = f.l2Cache.Close()
		f.l2Cache = nil
	}
	f.cipher = nil
	f.l1Table = nil

	if f.ownsBacking && f.backing != nil {
		_ = f.backing.Close()
		f.backing = nil
	}

	if f.src == nil {
		return nil
	}
	err := f.src.close()
	f.src = nil
	return err
}
