// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package msgdelim

import (
	"encoding/binary"

	"code.hybscloud.com/gensio/internal/bo"
)

// Options configures a Filter, following the teacher library's
// functional-options idiom (code.hybscloud.com/framer's Options/Option).
type Options struct {
	ByteOrder binary.ByteOrder

	// ReadLimit caps the maximum accepted payload size in bytes. Zero
	// means no limit beyond the wire format's own 2^56-1 ceiling.
	ReadLimit int64
}

var defaultOptions = Options{
	ByteOrder: binary.BigEndian,
	ReadLimit: 0,
}

// Option mutates Options at construction time.
type Option func(*Options)

// WithByteOrder selects the extended-length encoding's byte order.
func WithByteOrder(order binary.ByteOrder) Option {
	return func(o *Options) { o.ByteOrder = order }
}

// WithLocalByteOrder selects the machine's native byte order for the
// extended-length encoding, mirroring the teacher library's
// WithReadLocal/WithWriteLocal: a stream confined to one host (e.g. a
// local pipe or UNIX-domain socket between processes on the same
// machine) gains nothing from paying for a network byte-order swap on
// every header.
func WithLocalByteOrder() Option {
	return func(o *Options) { o.ByteOrder = bo.Native() }
}

// WithReadLimit caps accepted payload size.
func WithReadLimit(limit int64) Option {
	return func(o *Options) { o.ReadLimit = limit }
}
