// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package fdll

import "time"

// Options configures an FDLL, following the teacher library's
// functional-options idiom.
type Options struct {
	// ReadBufferSize is the fixed maximum length of the internal read
	// buffer (§3: "a read buffer of fixed maximum length").
	ReadBufferSize int

	// WriteOnly marks an FD-LL that never reads (§3: "a write-only
	// flag"). SetReadEnable(true) is ignored and no read handler is ever
	// armed.
	WriteOnly bool

	// ClosePollInterval is the timer period used to repoll
	// Hooks.CheckClose(CloseDone) while it reports "still in progress".
	ClosePollInterval time.Duration
}

var defaultOptions = Options{
	ReadBufferSize:    64 * 1024,
	WriteOnly:         false,
	ClosePollInterval: 20 * time.Millisecond,
}

// Option mutates Options at construction time.
type Option func(*Options)

// WithReadBufferSize sets the internal read buffer's fixed capacity.
func WithReadBufferSize(n int) Option {
	return func(o *Options) { o.ReadBufferSize = n }
}

// WithWriteOnly marks the FD-LL as never reading.
func WithWriteOnly() Option {
	return func(o *Options) { o.WriteOnly = true }
}

// WithClosePollInterval sets the CheckClose(CloseDone) repoll period.
func WithClosePollInterval(d time.Duration) Option {
	return func(o *Options) { o.ClosePollInterval = d }
}
