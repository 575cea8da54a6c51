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
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// fetchClusterBlock returns the cluster_size payload for fate, handling
// zero and unallocated fates directly and deferring raw/compressed ones to
// the cluster cache. logicalClusterStart is the cluster-aligned media
// offset the fate was resolved from, used both for backing lookups and as
// part of the cache key for encrypted clusters.
func (f *File) fetchClusterBlock(fate clusterFate, logicalClusterStart int64) ([]byte, error) {
	switch fate.kind {
	case fateZero:
		// f.zero is a single shared all-zero buffer: nothing ever writes
		// through it, so one allocation serves the whole file regardless of
		// how many clusters resolve to it.
		return f.zero, nil
	case fateUnallocated:
		if f.backing != nil {
			return f.readFromBacking(logicalClusterStart)
		}
		return f.zero, nil
	case fateRaw, fateCompressed:
		return f.getClusterBlock(fate, logicalClusterStart)
	default:
		return nil, newErr("fetchClusterBlock", KindOther, fmt.Errorf("unknown fate kind %d", fate.kind))
	}
}

// readFromBacking reads exactly one cluster's worth of media from the
// backing file, starting at the cluster containing mediaOffset. Backing
// content is never inserted into this file's cluster cache; the backing
// file owns and warms its own caches.
func (f *File) readFromBacking(mediaOffset int64) ([]byte, error) {
	clusterStart := mediaOffset &^ (f.header.ClusterSize - 1)
	if clusterStart >= f.backing.header.MediaSize {
		return f.zero, nil
	}

	buf := make([]byte, f.header.ClusterSize)
	n, err := f.backing.readAtMedia(buf, clusterStart)
	if err != nil {
		return nil, err
	}
	// Short reads can only happen if the backing image is itself shorter
	// than this image's media size; the tail reads as zero.
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}

	return buf, nil
}

// decodeClusterBlock is the cache-miss path for Raw and Compressed fates:
// read the bytes off disk, decompress if needed, decrypt if needed, and
// hand back a fresh cluster_size buffer for the cache to own.
func (f *File) decodeClusterBlock(key clusterCacheKey) ([]byte, error) {
	switch key.kind {
	case fateRaw:
		return f.decodeRawCluster(key.fileOffset, key.logicalClusterStart)
	case fateCompressed:
		return f.decodeCompressedCluster(key.fileOffset, key.compressedLength, key.logicalClusterStart)
	default:
		return nil, newErr("decodeClusterBlock", KindOther, fmt.Errorf("unexpected fate kind %d", key.kind))
	}
}

func (f *File) decodeRawCluster(fileOffset, logicalClusterStart int64) ([]byte, error) {
	buf := make([]byte, f.header.ClusterSize)
	if _, err := f.src.readAt(buf, fileOffset); err != nil {
		return nil, err
	}

	if f.header.EncryptionMethod != EncryptionNone {
		if f.cipher == nil {
			return nil, newErrAt("decodeRawCluster", KindEncryptionRequired, fileOffset, nil)
		}
		// The cluster's logical starting sector drives the IV, not its
		// physical placement.
		startSector := logicalClusterStart / sectorSize
		if err := f.cipher.decryptCluster(buf, startSector); err != nil {
			return nil, err
		}
	}

	return buf, nil
}

func (f *File) decodeCompressedCluster(fileOffset, compressedLength, logicalClusterStart int64) ([]byte, error) {
	maxCompressed := 2 * f.header.ClusterSize
	if compressedLength > maxCompressed {
		compressedLength = maxCompressed
	}

	raw := make([]byte, compressedLength)
	if _, err := f.src.readAt(raw, fileOffset); err != nil {
		return nil, err
	}

	out := make([]byte, f.header.ClusterSize)
	fr := flate.NewReader(newSliceReader(raw))
	defer fr.Close()

	// A short deflate stream (premature end) is tolerated and zero-padded;
	// any other inflate failure is fatal for this cluster only.
	n, err := io.ReadFull(fr, out)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, newErrAt("decodeCompressedCluster", KindDecompressionFailed, fileOffset, err)
	}
	for i := n; i < len(out); i++ {
		out[i] = 0
	}

	if f.header.EncryptionMethod != EncryptionNone {
		if f.cipher == nil {
			return nil, newErrAt("decodeCompressedCluster", KindEncryptionRequired, fileOffset, nil)
		}
		startSector := logicalClusterStart / sectorSize
		if err := f.cipher.decryptCluster(out, startSector); err != nil {
			return nil, err
		}
	}

	return out, nil
}

// sliceReader adapts a []byte to io.Reader without an extra copy, used to
// feed flate.NewReader the bounded compressed span read from disk.
type sliceReader struct {
	b   []byte
	pos int
}

func newSliceReader(b []byte) *sliceReader {
	return &sliceReader{b: b}
}

func (r *sliceReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}
