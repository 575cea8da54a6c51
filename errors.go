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

import "fmt"

// Kind classifies the reason a qcow2 operation failed.
type Kind int

const (
	// KindOther is an unclassified error that fits none of the more specific
	// Kinds below.
	KindOther Kind = iota
	// KindInvalidSignature means the 4-byte magic did not match "QFI\xfb".
	KindInvalidSignature
	// KindUnsupportedVersion means the version field was not 1, 2 or 3, or an
	// unrecognised incompatible-feature bit was set.
	KindUnsupportedVersion
	// KindInvalidHeader means a documented header field constraint was
	// violated.
	KindInvalidHeader
	// KindCorruptTable means an L1/L2/snapshot offset or flag was
	// inconsistent during traversal.
	KindCorruptTable
	// KindEncryptionRequired means a read was attempted against an encrypted
	// image with no key set.
	KindEncryptionRequired
	// KindInvalidKey means a key or password was set but produced
	// structurally-impossible data on a probed cluster.
	KindInvalidKey
	// KindDecompressionFailed means inflate returned an unrecoverable error
	// other than a premature end of the compressed stream.
	KindDecompressionFailed
	// KindIO wraps a byte-source failure with offset context.
	KindIO
	// KindOutOfRange means the caller offset exceeded the media size; it is
	// soft and produces zero bytes read rather than aborting a read.
	KindOutOfRange
	// KindCancelled means the abort flag was observed mid-read.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindInvalidSignature:
		return "invalid signature"
	case KindUnsupportedVersion:
		return "unsupported version"
	case KindInvalidHeader:
		return "invalid header"
	case KindCorruptTable:
		return "corrupt table"
	case KindEncryptionRequired:
		return "encryption required"
	case KindInvalidKey:
		return "invalid key"
	case KindDecompressionFailed:
		return "decompression failed"
	case KindIO:
		return "i/o error"
	case KindOutOfRange:
		return "out of range"
	case KindCancelled:
		return "cancelled"
	default:
		return "qcow2 error"
	}
}

// Error is the error type returned by every fallible boundary of this
// package. It carries the failing operation, the Kind taxonomy from the
// package documentation, and (where relevant) the file offset and a wrapped
// cause, so diagnostics never lose the chain that produced them.
type Error struct {
	Op     string
	Kind   Kind
	Path   string
	Offset int64
	// HasOffset distinguishes "offset 0 is meaningful" from "no offset".
	HasOffset bool
	Err       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("qcow2: %s: %s", e.Op, e.Kind)
	if e.Path != "" {
		msg += fmt.Sprintf(" (%s)", e.Path)
	}
	if e.HasOffset {
		msg += fmt.Sprintf(" at offset 0x%x", e.Offset)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, qcow2.ErrCorruptTable) rather than type-asserting.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func newErr(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

func newErrAt(op string, kind Kind, offset int64, err error) *Error {
	return &Error{Op: op, Kind: kind, Offset: offset, HasOffset: true, Err: err}
}

func newErrPath(op string, kind Kind, path string, err error) *Error {
	return &Error{Op: op, Kind: kind, Path: path, Err: err}
}

// Sentinels for errors.Is comparisons against the taxonomy in the package
// documentation. Only Kind is compared; Op/Path/Offset/Err are ignored.
var (
	ErrInvalidSignature    = &Error{Kind: KindInvalidSignature}
	ErrUnsupportedVersion  = &Error{Kind: KindUnsupportedVersion}
	ErrInvalidHeader       = &Error{Kind: KindInvalidHeader}
	ErrCorruptTable        = &Error{Kind: KindCorruptTable}
	ErrEncryptionRequired  = &Error{Kind: KindEncryptionRequired}
	ErrInvalidKey          = &Error{Kind: KindInvalidKey}
	ErrDecompressionFailed = &Error{Kind: KindDecompressionFailed}
	ErrIO                  = &Error{Kind: KindIO}
	ErrOutOfRange          = &Error{Kind: KindOutOfRange}
	ErrCancelled           = &Error{Kind: KindCancelled}
)
