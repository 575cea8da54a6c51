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
	"bytes"
	"encoding/binary"
	"fmt"
)

// readHeader decodes the header at the start of src, dispatching on version.
// It returns a fully-validated FileHeader or a *Error whose Kind identifies
// which constraint was violated.
func readHeader(src *byteSource) (*FileHeader, error) {
	// The first 8 bytes (magic + version) are common to every version and
	// decide how to parse the rest.
	var head [8]byte
	if _, err := src.readAt(head[:], 0); err != nil {
		return nil, newErrAt("readHeader", KindIO, 0, err)
	}

	gotMagic := binary.BigEndian.Uint32(head[0:4])
	if gotMagic != magic {
		return nil, newErr("readHeader", KindInvalidSignature,
			fmt.Errorf("got magic 0x%08x", gotMagic))
	}

	version := Version(binary.BigEndian.Uint32(head[4:8]))
	switch version {
	case Version1:
		return readHeaderV1(src)
	case Version2:
		return readHeaderCommon(src, Version2)
	case Version3:
		return readHeaderCommon(src, Version3)
	default:
		return nil, newErr("readHeader", KindUnsupportedVersion,
			fmt.Errorf("version %d", version))
	}
}

func readHeaderV1(src *byteSource) (*FileHeader, error) {
	buf := make([]byte, binary.Size(headerV1{}))
	if _, err := src.readAt(buf, 0); err != nil {
		return nil, newErrAt("readHeader", KindIO, 0, err)
	}

	var raw headerV1
	if err := binary.Read(bytes.NewReader(buf), binary.BigEndian, &raw); err != nil {
		return nil, newErr("readHeader", KindInvalidHeader, err)
	}

	if raw.ClusterBits < minClusterBits || raw.ClusterBits > maxClusterBits {
		return nil, newErr("readHeader", KindInvalidHeader,
			fmt.Errorf("cluster_bits %d out of range", raw.ClusterBits))
	}
	if raw.L2Bits < 9 || raw.L2Bits > 63 {
		return nil, newErr("readHeader", KindInvalidHeader,
			fmt.Errorf("l2_bits %d out of range", raw.L2Bits))
	}
	if raw.BackingFileSize > maxBackingFileSize {
		return nil, newErr("readHeader", KindInvalidHeader,
			fmt.Errorf("backing_file_size %d exceeds %d", raw.BackingFileSize, maxBackingFileSize))
	}
	if EncryptionMethod(raw.CryptMethod) != EncryptionNone && EncryptionMethod(raw.CryptMethod) != EncryptionAES {
		return nil, newErr("readHeader", KindInvalidHeader,
			fmt.Errorf("crypt_method %d unknown", raw.CryptMethod))
	}

	clusterSize := int64(1) << raw.ClusterBits
	l2Size := int64(1) << raw.L2Bits

	l1Size := (int64(raw.Size) + clusterSize*l2Size - 1) / (clusterSize * l2Size)

	h := &FileHeader{
		Version:          Version1,
		ClusterBits:      uint32(raw.ClusterBits),
		ClusterSize:      clusterSize,
		L2Bits:           uint32(raw.L2Bits),
		L2Size:           l2Size,
		MediaSize:        int64(raw.Size),
		L1TableOffset:    int64(raw.L1TableOffset),
		L1Size:           l1Size,
		EncryptionMethod: EncryptionMethod(raw.CryptMethod),
	}

	if err := readBackingFilename(src, h, raw.BackingFileOffset, raw.BackingFileSize); err != nil {
		return nil, err
	}

	if err := validateHeader(src, h); err != nil {
		return nil, err
	}

	return h, nil
}

func readHeaderCommon(src *byteSource, version Version) (*FileHeader, error) {
	buf := make([]byte, binary.Size(headerCommon{}))
	if _, err := src.readAt(buf, 0); err != nil {
		return nil, newErrAt("readHeader", KindIO, 0, err)
	}

	var raw headerCommon
	if err := binary.Read(bytes.NewReader(buf), binary.BigEndian, &raw); err != nil {
		return nil, newErr("readHeader", KindInvalidHeader, err)
	}

	if raw.ClusterBits < minClusterBits || raw.ClusterBits > maxClusterBits {
		return nil, newErr("readHeader", KindInvalidHeader,
			fmt.Errorf("cluster_bits %d out of range", raw.ClusterBits))
	}
	if raw.BackingFileSize > maxBackingFileSize {
		return nil, newErr("readHeader", KindInvalidHeader,
			fmt.Errorf("backing_file_size %d exceeds %d", raw.BackingFileSize, maxBackingFileSize))
	}
	if EncryptionMethod(raw.CryptMethod) != EncryptionNone && EncryptionMethod(raw.CryptMethod) != EncryptionAES {
		return nil, newErr("readHeader", KindInvalidHeader,
			fmt.Errorf("crypt_method %d unknown", raw.CryptMethod))
	}

	clusterSize := int64(1) << raw.ClusterBits
	l2Bits := raw.ClusterBits - 3
	l2Size := int64(1) << l2Bits

	minL1Size := (int64(raw.Size) + clusterSize*l2Size - 1) / (clusterSize * l2Size)
	if int64(raw.L1Size) < minL1Size {
		return nil, newErr("readHeader", KindInvalidHeader,
			fmt.Errorf("l1_size %d too small for media_size %d", raw.L1Size, raw.Size))
	}

	h := &FileHeader{
		Version:          version,
		ClusterBits:      uint32(raw.ClusterBits),
		ClusterSize:      clusterSize,
		L2Bits:           l2Bits,
		L2Size:           l2Size,
		MediaSize:        int64(raw.Size),
		L1TableOffset:    int64(raw.L1TableOffset),
		L1Size:           int64(raw.L1Size),
		EncryptionMethod: EncryptionMethod(raw.CryptMethod),
		SnapshotsOffset:  int64(raw.SnapshotsOffset),
	}
	h.NumberOfSnapshots = int(raw.NbSnapshots)

	if version == Version3 {
		extBuf := make([]byte, binary.Size(headerV3Extension{}))
		if _, err := src.readAt(extBuf, int64(len(buf))); err != nil {
			return nil, newErrAt("readHeader", KindIO, int64(len(buf)), err)
		}

		var ext headerV3Extension
		if err := binary.Read(bytes.NewReader(extBuf), binary.BigEndian, &ext); err != nil {
			return nil, newErr("readHeader", KindInvalidHeader, err)
		}

		if IncompatibleFeatures(ext.IncompatibleFeatures)&^knownIncompatibleFeatures != 0 {
			return nil, newErr("readHeader", KindUnsupportedVersion,
				fmt.Errorf("unknown incompatible_features bits 0x%x",
					IncompatibleFeatures(ext.IncompatibleFeatures)&^knownIncompatibleFeatures))
		}
		if IncompatibleFeatures(ext.IncompatibleFeatures)&unsupportedIncompatibleFeatures != 0 {
			return nil, newErr("readHeader", KindUnsupportedVersion,
				fmt.Errorf("unsupported incompatible_features bits 0x%x",
					IncompatibleFeatures(ext.IncompatibleFeatures)&unsupportedIncompatibleFeatures))
		}
		if ext.RefcountOrder > maxRefcountOrder {
			return nil, newErr("readHeader", KindInvalidHeader,
				fmt.Errorf("refcount_order %d exceeds %d", ext.RefcountOrder, maxRefcountOrder))
		}
		if ext.HeaderLength < minV3HeaderLength {
			return nil, newErr("readHeader", KindInvalidHeader,
				fmt.Errorf("header_length %d below %d", ext.HeaderLength, minV3HeaderLength))
		}

		h.IncompatibleFeatures = IncompatibleFeatures(ext.IncompatibleFeatures)
		h.CompatibleFeatures = CompatibleFeatures(ext.CompatibleFeatures)
		h.AutoclearFeatures = AutoclearFeatures(ext.AutoclearFeatures)
	}

	if err := readBackingFilename(src, h, raw.BackingFileOffset, raw.BackingFileSize); err != nil {
		return nil, err
	}

	if err := validateHeader(src, h); err != nil {
		return nil, err
	}

	return h, nil
}

func readBackingFilename(src *byteSource, h *FileHeader, offset uint64, size uint32) error {
	if offset == 0 || size == 0 {
		return nil
	}

	buf := make([]byte, size)
	if _, err := src.readAt(buf, int64(offset)); err != nil {
		return newErrAt("readHeader", KindIO, int64(offset), err)
	}

	h.BackingFilename = string(buf)
	return nil
}

// validateHeader checks the cross-field invariants that need both the
// header and the underlying file size.
func validateHeader(src *byteSource, h *FileHeader) error {
	if h.ClusterSize*h.L2Size*h.L1Size < h.MediaSize {
		return newErr("readHeader", KindInvalidHeader,
			fmt.Errorf("cluster_size*l2_size*l1_size (%d) < media_size (%d)",
				h.ClusterSize*h.L2Size*h.L1Size, h.MediaSize))
	}

	fileSize := src.size()
	if h.L1TableOffset+h.L1Size*8 > fileSize {
		return newErr("readHeader", KindInvalidHeader,
			fmt.Errorf("l1 table [0x%x, 0x%x) exceeds file size 0x%x", h.L1TableOffset, h.L1TableOffset+h.L1Size*8, fileSize))
	}
	if h.L1TableOffset < 0 || (h.L1Size > 0 && h.L1TableOffset%h.ClusterSize != 0) {
		return newErr("readHeader", KindInvalidHeader,
			fmt.Errorf("l1_table_offset 0x%x is not cluster-aligned", h.L1TableOffset))
	}

	return nil
}
