//go:build !(linux && cgo)

package audiodriver

import "errors"

// ErrMalgoUnsupported is returned by NewMalgoDevice on platforms built
// without cgo/ALSA support. Production builds target linux+cgo; this stub
// keeps the package (and its tests) compiling everywhere else.
var ErrMalgoUnsupported = errors.New("audiodriver: malgo device unavailable on this build")

type malgoDevice struct{}

// NewMalgoDevice always fails on non-Linux or cgo-disabled builds.
func NewMalgoDevice(deviceName string, sampleRate, bufferSize, channels int) (*malgoDevice, error) {
	return nil, ErrMalgoUnsupported
}

func (d *malgoDevice) SampleRate() int         { return 0 }
func (d *malgoDevice) BufferSize() int         { return 0 }
func (d *malgoDevice) Channels() int           { return 0 }
func (d *malgoDevice) Start(cb Callback) error { return ErrMalgoUnsupported }
func (d *malgoDevice) Stop() error              { return nil }
func (d *malgoDevice) Close() error             { return nil }
