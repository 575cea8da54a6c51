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

// Package qcow2 is a read-only accessor for the QEMU Copy-On-Write disk
// image format, versions 1 through 3. It parses the on-disk metadata,
// resolves logical media offsets to physical clusters, and serves random
// byte-level reads, transparently handling compression, legacy AES
// encryption and backing-file chains.
//
// Write support, image repair, CLI front-ends and the generic
// buffered-file/AES-CBC primitives it builds on are out of scope.
package qcow2

const (
	// magic is the QCOW magic bytes: 'Q', 'F', 'I', 0xfb.
	magic = 0x514649FB
)

// sectorSize is the 512-byte unit compressed-cluster spans and AES-CBC IVs
// are both expressed in, independent of cluster_size.
const sectorSize = 512

// Version is the on-disk QCOW format version.
type Version uint32

const (
	Version1 Version = 1
	Version2 Version = 2
	Version3 Version = 3
)

// EncryptionMethod is the disk encryption method recorded in the header.
type EncryptionMethod uint32

const (
	EncryptionNone EncryptionMethod = 0
	EncryptionAES  EncryptionMethod = 1
)

func (m EncryptionMethod) String() string {
	if m == EncryptionAES {
		return "AES"
	}
	return "none"
}

// IncompatibleFeatures is a bitmask of incompatible features (v3 only).
type IncompatibleFeatures uint64

const (
	// IncompatibleDirty is the dirty bit: refcounts may be inconsistent.
	IncompatibleDirty IncompatibleFeatures = 1 << 0
	// IncompatibleCorrupt means any data structure may be corrupt.
	IncompatibleCorrupt IncompatibleFeatures = 1 << 1
	// IncompatibleExternalData means guest clusters live in an external
	// data file. Not supported by this reader.
	IncompatibleExternalData IncompatibleFeatures = 1 << 2
	// IncompatibleExtendedL2 means L2 entries use the subcluster-allocation
	// extended format. Not supported by this reader.
	IncompatibleExtendedL2 IncompatibleFeatures = 1 << 3

	// unsupportedIncompatibleFeatures are bits we recognise but cannot
	// actually honour (no external-data-file or extended-L2 support), so
	// they are rejected, with a message naming them rather than the generic
	// unknown-bit one.
	unsupportedIncompatibleFeatures = IncompatibleExternalData | IncompatibleExtendedL2

	// knownIncompatibleFeatures is the set of bits this reader recognises,
	// tolerated or not. Any other bit set in the on-disk header is fatal:
	// we don't know what invariants it implies.
	knownIncompatibleFeatures = IncompatibleDirty | IncompatibleCorrupt |
		unsupportedIncompatibleFeatures
)

// CompatibleFeatures is a bitmask of compatible features (v3 only).
// Retained for introspection; this reader does not act on any of them.
type CompatibleFeatures uint64

const (
	CompatibleLazyRefcounts CompatibleFeatures = 1 << 0
)

// AutoclearFeatures is a bitmask of auto-clear features (v3 only).
// Retained, unused.
type AutoclearFeatures uint64

const (
	minClusterBits = 9
	maxClusterBits = 21

	maxBackingFileSize = 1023
	maxRefcountOrder   = 6
	minV3HeaderLength  = 104
)

// headerCommon is the byte-for-byte layout of header bytes [0:72), shared by
// versions 2 and 3. binary.Read walks struct fields sequentially, so Go
// struct padding never enters into it.
type headerCommon struct {
	Magic                 uint32
	Version               uint32
	BackingFileOffset     uint64
	BackingFileSize       uint32
	ClusterBits           uint32
	Size                  uint64
	CryptMethod           uint32
	L1Size                uint32
	L1TableOffset         uint64
	RefcountTableOffset   uint64
	RefcountTableClusters uint32
	NbSnapshots           uint32
	SnapshotsOffset       uint64
}

// headerV3Extension is the byte-for-byte layout of header bytes [72:104),
// present only when Version == 3.
type headerV3Extension struct {
	IncompatibleFeatures uint64
	CompatibleFeatures   uint64
	AutoclearFeatures    uint64
	RefcountOrder        uint32
	HeaderLength         uint32
}

// headerV1 is the byte-for-byte layout of the 48-byte version-1 header.
type headerV1 struct {
	Magic             uint32
	Version           uint32
	BackingFileOffset uint64
	BackingFileSize   uint32
	MTime             uint32
	Size              uint64
	ClusterBits       uint8
	L2Bits            uint8
	_                 uint16 // reserved, must round-trip as zero
	CryptMethod       uint32
	L1TableOffset     uint64
}

// FileHeader is the fully-validated, in-memory representation of a decoded
// QCOW header.
type FileHeader struct {
	Version     Version
	ClusterBits uint32
	ClusterSize int64

	// L2Bits/L2Size differ between v1 (header-declared) and v2/v3
	// (ClusterBits-3, since v2/v3 entries are 8 bytes).
	L2Bits uint32
	L2Size int64

	MediaSize int64

	L1TableOffset int64
	L1Size        int64

	EncryptionMethod EncryptionMethod

	CompatibleFeatures   CompatibleFeatures
	IncompatibleFeatures IncompatibleFeatures
	AutoclearFeatures    AutoclearFeatures

	BackingFilename string

	SnapshotsOffset   int64
	NumberOfSnapshots int
}

// l1Entry is the decoded form of an 8-byte L1 table entry. The
// reference-count flag (v3 bit 63) is masked off; it has no bearing on the
// read path.
type l1Entry struct {
	l2TableOffset int64
}

func decodeL1Entry(raw uint64) l1Entry {
	return l1Entry{l2TableOffset: int64(raw & l1OffsetMask)}
}

const l1OffsetMask = uint64(0x00fffffffffffe00) // bits 9..55, matching the L2 uncompressed-offset mask

// clusterFateKind discriminates the branches of clusterFate. Decoding
// dispatches once per L2 lookup on this tag rather than through per-entry
// virtual dispatch.
type clusterFateKind int

const (
	fateUnallocated clusterFateKind = iota
	fateZero
	fateRaw
	fateCompressed
)

// clusterFate is the derived (never stored) outcome of resolving a logical
// cluster index against the L1/L2 tables.
type clusterFate struct {
	kind             clusterFateKind
	fileOffset       int64
	compressedLength int64
}
