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
)

// maxBackingChainDepth bounds recursive backing-file resolution so a
// pathologically deep chain fails fast rather than exhausting file
// descriptors.
const maxBackingChainDepth = 64

// openBackingFile resolves and opens child's backing_filename relative to
// child's own directory, recursing through the parent's backing chain in
// turn. ancestors carries the canonical paths already open along this chain,
// used for cycle detection; it is nil at the top of the chain.
func openBackingFile(child *File, name string, ancestors []string) (*File, error) {
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(filepath.Dir(child.path), path)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, newErrPath("openBackingFile", KindIO, path, err)
	}

	for _, a := range ancestors {
		if a == abs {
			return nil, newErrPath("openBackingFile", KindCorruptTable, abs,
				fmt.Errorf("cyclic backing chain"))
		}
	}
	if len(ancestors) >= maxBackingChainDepth {
		return nil, newErrPath("openBackingFile", KindCorruptTable, abs,
			fmt.Errorf("backing chain exceeds %d levels", maxBackingChainDepth))
	}

	src, err := openByteSource(abs)
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
		path:      abs,
		src:       src,
		header:    h,
		l1Table:   l1,
		zero:      make([]byte, h.ClusterSize),
		snapshots: snapshots,
	}
	f.newLoadingCaches(0, 0)

	if h.BackingFilename != "" {
		backing, err := openBackingFile(f, h.BackingFilename, append(ancestors, abs))
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		f.backing = backing
		f.ownsBacking = true
	}

	return f, nil
}

// checkBackingCycle walks parent's chain looking for a File sharing child's
// canonical path, so
// an explicit SetParent override cannot introduce a cycle SetParent itself
// would then recurse into.
func checkBackingCycle(child, parent *File) error {
	for p := parent; p != nil; p = p.backing {
		if p.path == child.path {
			return newErrPath("SetParent", KindCorruptTable, child.path,
				fmt.Errorf("cyclic backing chain"))
		}
	}
	return nil
}
