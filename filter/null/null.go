// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package null implements the transparent filter: a base stream
// constructed with a nil filter is a pure LL passthrough (§3), and this
// package supplies that behavior as an explicit Filter value for callers
// who would rather stack a no-op filter than special-case a nil one.
package null

import (
	"time"

	"code.hybscloud.com/gensio"
	"code.hybscloud.com/gensio/filter"
)

// Filter passes every byte through unchanged in both directions and
// never requests a timer.
type Filter struct{}

// New returns a transparent Filter.
func New() *Filter { return &Filter{} }

func (*Filter) SetCallback(filter.Callback) {}
func (*Filter) UpperReadPending() bool      { return false }
func (*Filter) LowerWritePending() bool     { return false }
func (*Filter) LowerReadNeeded() bool       { return false }
func (*Filter) CheckOpenDone() error        { return nil }

func (*Filter) TryConnect(*time.Duration) (filter.TriState, error) {
	return filter.OK, nil
}

func (*Filter) TryDisconnect(*time.Duration) (filter.TriState, error) {
	return filter.OK, nil
}

func (*Filter) UpperWrite(handler filter.WriteHandler, data []byte, _ []string) (int, error) {
	return handler(data)
}

func (*Filter) LowerWrite(handler filter.WriteHandler, data []byte, _ []string) (int, error) {
	return handler(data)
}

func (*Filter) Timeout() {}

func (*Filter) Setup(interface{}) error { return nil }
func (*Filter) Cleanup()                {}
func (*Filter) Free()                   {}

func (*Filter) Control(bool, int, []byte) ([]byte, error) {
	return nil, gensio.ErrNotSupported
}
