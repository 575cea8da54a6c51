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
)

// readL1Table loads the entire L1 table in one read. It is materialised
// once at open and held read-only for the life of the File; unlike L2
// tables and data clusters it is never cached or evicted.
//
// Entries are decoded but not bounds-checked here: a corrupt individual
// entry should only fail the ReadAt calls that actually traverse it, not
// the whole open. resolve validates an entry's offset the moment it is
// dereferenced.
func readL1Table(src *byteSource, h *FileHeader) ([]l1Entry, error) {
	if h.L1Size == 0 {
		return nil, nil
	}

	buf := make([]byte, h.L1Size*8)
	if _, err := src.readAt(buf, h.L1TableOffset); err != nil {
		return nil, newErrAt("readL1Table", KindIO, h.L1TableOffset, err)
	}

	entries := make([]l1Entry, h.L1Size)
	for i := range entries {
		raw := binary.BigEndian.Uint64(buf[i*8 : i*8+8])
		entries[i] = decodeL1Entry(raw)
	}

	return entries, nil
}
