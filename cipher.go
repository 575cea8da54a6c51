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
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
)

// cipherContext holds an AES-128 key schedule for the legacy qcow2
// encryption method. It is immutable after construction; per-sector IV
// state is stack-local to each decrypt call, so a single cipherContext is
// safe to share across concurrently-reading goroutines.
type cipherContext struct {
	block cipher.Block
}

// newCipherContext builds a key schedule from a raw 16-byte AES-128 key.
func newCipherContext(key []byte) (*cipherContext, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, newErr("newCipherContext", KindInvalidKey, err)
	}
	return &cipherContext{block: block}, nil
}

// aesKeyFromPassword derives the legacy AES-128 key from a password: the
// password's raw bytes, truncated if longer than 16 bytes or zero-padded if
// shorter. This mirrors QEMU's own (weak) legacy construction rather than a
// stronger derivation a reader might expect.
func aesKeyFromPassword(password []byte) []byte {
	key := make([]byte, 16)
	copy(key, password)
	return key
}

// decryptCluster decrypts buf in place using AES-CBC per 512-byte sector.
// startSector is the logical sector index (mediaOffset >> 9) of the
// cluster's first byte: the IV for each sector is the little-endian
// encoding of its own logical sector index in the first 8 bytes of an
// otherwise-zero 16-byte IV, independent of where the ciphertext actually
// lives on disk.
func (c *cipherContext) decryptCluster(buf []byte, startSector int64) error {
	if len(buf)%sectorSize != 0 {
		return newErr("decryptCluster", KindInvalidHeader,
			fmt.Errorf("buffer length %d not a multiple of sector size", len(buf)))
	}

	var iv [aes.BlockSize]byte
	for off := 0; off < len(buf); off += sectorSize {
		sector := startSector + int64(off/sectorSize)

		for i := range iv {
			iv[i] = 0
		}
		binary.LittleEndian.PutUint64(iv[:8], uint64(sector))

		mode := cipher.NewCBCDecrypter(c.block, iv[:])
		mode.CryptBlocks(buf[off:off+sectorSize], buf[off:off+sectorSize])
	}

	return nil
}
