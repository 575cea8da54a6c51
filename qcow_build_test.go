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

package qcow2_test

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/flate"
	"github.com/silverisntgold/randshiro"
	"github.com/stretchr/testify/require"
)

// imageBuilder assembles a minimal, hand-crafted qcow v1/v2/v3 image byte by
// byte, the way a reference writer would, so tests can exercise the reader
// against known-good fixtures without depending on qemu-img being present.
type imageBuilder struct {
	version     uint32
	clusterBits uint32
	clusterSize int64
	mediaSize   int64
	l1Offset    int64
	l1Entries   []uint64
	l2Tables    map[int64][]uint64 // offset -> entries, each table clusterSize bytes
	data        map[int64][]byte   // offset -> raw bytes to splice in verbatim
	backingFile string
	encMethod   uint32
}

func newImageBuilder(version uint32, clusterBits uint32, mediaSize int64) *imageBuilder {
	return &imageBuilder{
		version:     version,
		clusterBits: clusterBits,
		clusterSize: int64(1) << clusterBits,
		mediaSize:   mediaSize,
		l2Tables:    make(map[int64][]uint64),
		data:        make(map[int64][]byte),
	}
}

func (b *imageBuilder) l2Size() int64 {
	return b.clusterSize / 8
}

// build lays out: header [+ v3 ext], backing filename, every registered L2
// table and data blob at its own declared offset, and finally the L1 table
// itself at a cluster-aligned offset past all of them, so tests remain free
// to place L2 tables and data clusters at whatever offsets they like
// without colliding with it. Zero-fills any gaps. Returns the full file
// bytes.
func (b *imageBuilder) build(t *testing.T) []byte {
	t.Helper()

	headerLen := int64(72)
	if b.version == 1 {
		headerLen = 48
	} else if b.version == 3 {
		headerLen = 104
	}

	backingOff := int64(0)
	backingLen := 0
	pos := (headerLen + 511) &^ 511
	if b.backingFile != "" {
		backingOff = pos
		backingLen = len(b.backingFile)
		pos += int64(backingLen)
		pos = (pos + 511) &^ 511
	}

	// Everything the caller already assigned a concrete offset to (L2
	// tables, data clusters) comes before the L1 table; find the
	// high-water mark.
	end := pos
	for off, tbl := range b.l2Tables {
		if e := off + int64(len(tbl))*8; e > end {
			end = e
		}
	}
	for off, d := range b.data {
		if e := off + int64(len(d)); e > end {
			end = e
		}
	}

	b.l1Offset = (end + b.clusterSize - 1) &^ (b.clusterSize - 1)
	l1Bytes := int64(len(b.l1Entries)) * 8
	end = b.l1Offset + l1Bytes

	buf := make([]byte, end)

	switch b.version {
	case 1:
		b.writeHeaderV1(buf, uint64(backingOff), uint32(backingLen))
	case 2:
		b.writeHeaderCommon(buf, uint64(backingOff), uint32(backingLen))
	case 3:
		b.writeHeaderCommon(buf, uint64(backingOff), uint32(backingLen))
		ext := buf[72:104]
		binary.BigEndian.PutUint64(ext[0:8], 0)  // incompatible_features
		binary.BigEndian.PutUint64(ext[8:16], 0) // compatible_features
		binary.BigEndian.PutUint64(ext[16:24], 0)
		binary.BigEndian.PutUint32(ext[24:28], 4) // refcount_order
		binary.BigEndian.PutUint32(ext[28:32], 104)
	default:
		t.Fatalf("unsupported test version %d", b.version)
	}

	if b.backingFile != "" {
		copy(buf[backingOff:backingOff+int64(backingLen)], b.backingFile)
	}

	for i, e := range b.l1Entries {
		binary.BigEndian.PutUint64(buf[b.l1Offset+int64(i)*8:], e)
	}

	for off, tbl := range b.l2Tables {
		for i, e := range tbl {
			binary.BigEndian.PutUint64(buf[off+int64(i)*8:], e)
		}
	}

	for off, d := range b.data {
		copy(buf[off:], d)
	}

	return buf
}

func (b *imageBuilder) writeHeaderCommon(buf []byte, backingOff uint64, backingLen uint32) {
	binary.BigEndian.PutUint32(buf[0:4], 0x514649FB)
	binary.BigEndian.PutUint32(buf[4:8], b.version)
	binary.BigEndian.PutUint64(buf[8:16], backingOff)
	binary.BigEndian.PutUint32(buf[16:20], backingLen)
	binary.BigEndian.PutUint32(buf[20:24], b.clusterBits)
	binary.BigEndian.PutUint64(buf[24:32], uint64(b.mediaSize))
	binary.BigEndian.PutUint32(buf[32:36], b.encMethod)
	binary.BigEndian.PutUint32(buf[36:40], uint32(len(b.l1Entries)))
	binary.BigEndian.PutUint64(buf[40:48], uint64(b.l1Offset))
	binary.BigEndian.PutUint64(buf[48:56], 0) // refcount_table_offset: unused by reader
	binary.BigEndian.PutUint32(buf[56:60], 0)
	binary.BigEndian.PutUint32(buf[60:64], 0) // nb_snapshots
	binary.BigEndian.PutUint64(buf[64:72], 0) // snapshots_offset
}

func (b *imageBuilder) writeHeaderV1(buf []byte, backingOff uint64, backingLen uint32) {
	binary.BigEndian.PutUint32(buf[0:4], 0x514649FB)
	binary.BigEndian.PutUint32(buf[4:8], 1)
	binary.BigEndian.PutUint64(buf[8:16], backingOff)
	binary.BigEndian.PutUint32(buf[16:20], backingLen)
	binary.BigEndian.PutUint32(buf[20:24], 0) // mtime
	binary.BigEndian.PutUint64(buf[24:32], uint64(b.mediaSize))
	buf[32] = byte(b.clusterBits)
	buf[33] = byte(b.clusterBits - 3) // l2_bits: same table geometry as v2
	// buf[34:36] reserved, zero
	binary.BigEndian.PutUint32(buf[36:40], b.encMethod)
	binary.BigEndian.PutUint64(buf[40:48], uint64(b.l1Offset))
}

// writeToFile writes the built image under dir and returns its path.
func (b *imageBuilder) writeToFile(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, b.build(t), 0o644))
	return path
}

// rawDeflate compresses src as a headerless deflate stream, matching what
// qcow2 carries in a compressed cluster.
func rawDeflate(t *testing.T, src []byte) []byte {
	t.Helper()
	var out bytes.Buffer
	w, err := flate.NewWriter(&out, flate.DefaultCompression)
	require.NoError(t, err)
	_, err = w.Write(src)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return out.Bytes()
}

// fillRandom fills buf with pseudo-random bytes from a xoshiro generator,
// much cheaper than math/rand when synthesizing multi-cluster payloads.
func fillRandom(buf []byte) {
	rng := randshiro.New128pp()

	n := 0
	for len(buf[n:]) >= 8 {
		binary.LittleEndian.PutUint64(buf[n:], rng.Uint64())
		n += 8
	}
	if n < len(buf) {
		tail := rng.Uint64()
		for i := n; i < len(buf); i++ {
			buf[i] = byte(tail)
			tail >>= 8
		}
	}
}

// aesCBCEncryptSectors encrypts plaintext sector-by-sector with the same
// logical-sector-derived IV scheme the reader decrypts with, so tests can
// build encrypted fixtures without depending on the package's own (tested)
// decrypt path.
func aesCBCEncryptSectors(t *testing.T, key, plaintext []byte, startSector int64) []byte {
	t.Helper()
	require.Equal(t, 0, len(plaintext)%512)

	block, err := aes.NewCipher(key)
	require.NoError(t, err)

	out := make([]byte, len(plaintext))
	copy(out, plaintext)

	for off := 0; off < len(out); off += 512 {
		sector := startSector + int64(off/512)
		var iv [16]byte
		binary.LittleEndian.PutUint64(iv[:8], uint64(sector))
		mode := cipher.NewCBCEncrypter(block, iv[:])
		mode.CryptBlocks(out[off:off+512], out[off:off+512])
	}

	return out
}
