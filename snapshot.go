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
	"encoding/binary"
	"fmt"
	"time"
)

// Snapshot is a read-only view of one entry in the snapshot directory.
// Reads always go through the file's current (live) L1 table; there is no
// live-switch to a snapshot's own L1 table.
type Snapshot struct {
	Name          string
	ID            string
	CreatedAt     time.Time
	L1TableOffset int64
	L1Size        int64
	VMStateSize   int64
}

// snapshotHeaderSize is the fixed portion of an on-disk snapshot record,
// before the variable-length id/name tail.
const snapshotHeaderSize = 40

// readSnapshots parses the snapshot directory for v2/v3 images. v1 images
// carry no snapshot table at all.
func readSnapshots(src *byteSource, h *FileHeader) ([]Snapshot, error) {
	if h.Version == Version1 || h.NumberOfSnapshots == 0 {
		return nil, nil
	}

	snapshots := make([]Snapshot, 0, h.NumberOfSnapshots)
	offset := h.SnapshotsOffset

	for i := 0; i < h.NumberOfSnapshots; i++ {
		snap, recordSize, err := readSnapshotRecord(src, offset)
		if err != nil {
			return nil, newErr("readSnapshots", KindCorruptTable,
				fmt.Errorf("snapshot %d: %w", i, err))
		}
		snapshots = append(snapshots, snap)
		offset += recordSize
	}

	return snapshots, nil
}

func readSnapshotRecord(src *byteSource, offset int64) (Snapshot, int64, error) {
	header := make([]byte, snapshotHeaderSize)
	if _, err := src.readAt(header, offset); err != nil {
		return Snapshot{}, 0, err
	}

	l1TableOffset := int64(binary.BigEndian.Uint64(header[0:8]))
	l1Size := int64(binary.BigEndian.Uint32(header[8:12]))
	idLength := binary.BigEndian.Uint16(header[12:14])
	nameLength := binary.BigEndian.Uint16(header[14:16])
	dateSeconds := binary.BigEndian.Uint32(header[16:20])
	dateNanos := binary.BigEndian.Uint32(header[20:24])
	// vm_clock occupies [24:32) and is not surfaced.
	vmStateSize := int64(binary.BigEndian.Uint32(header[32:36]))
	extraDataSize := binary.BigEndian.Uint32(header[36:40])

	pos := offset + snapshotHeaderSize

	// Extra data is skipped: nothing here surfaces it.
	pos += int64(extraDataSize)

	id, err := readSnapshotString(src, pos, int64(idLength))
	if err != nil {
		return Snapshot{}, 0, err
	}
	pos += int64(idLength)

	name, err := readSnapshotString(src, pos, int64(nameLength))
	if err != nil {
		return Snapshot{}, 0, err
	}
	pos += int64(nameLength)

	recordSize := snapshotHeaderSize + int64(extraDataSize) + int64(idLength) + int64(nameLength)
	if recordSize%8 != 0 {
		recordSize += 8 - recordSize%8
	}

	return Snapshot{
		Name:          name,
		ID:            id,
		CreatedAt:     time.Unix(int64(dateSeconds), int64(dateNanos)),
		L1TableOffset: l1TableOffset,
		L1Size:        l1Size,
		VMStateSize:   vmStateSize,
	}, recordSize, nil
}

func readSnapshotString(src *byteSource, offset, length int64) (string, error) {
	if length == 0 {
		return "", nil
	}
	buf := make([]byte, length)
	if _, err := src.readAt(buf, offset); err != nil {
		return "", err
	}
	return string(buf), nil
}
