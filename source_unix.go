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

//go:build linux || darwin

package qcow2

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// pread issues the positional read directly via the pread(2) syscall,
// bypassing the internal seek/lock bookkeeping (*os.File).ReadAt performs
// on every call. With many concurrent readers that bookkeeping is pure
// overhead: pread(2) is already atomic with respect to the file's cursor,
// which Go's os.File never exposes to begin with.
func pread(f *os.File, buf []byte, offset int64) (int, error) {
	n, err := unix.Pread(int(f.Fd()), buf, offset)
	if err != nil {
		return n, err
	}
	if n == 0 && len(buf) > 0 {
		return 0, io.EOF
	}
	return n, nil
}
