//go:build linux && cgo

package audiodriver

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/gen2brain/malgo"
)

// malgoDevice is the ALSA-backed Device, grounded on malgo's duplex
// capture+playback callback shape (DefaultDeviceConfig, DeviceCallbacks.Data
// receiving interleaved pOutput/pInput byte slices, InitDevice/Start/Stop/
// Uninit). Samples cross the cgo boundary as interleaved float32 and are
// de/re-interleaved into the per-channel slices Graph.Process expects.
type malgoDevice struct {
	ctx        *malgo.AllocatedContext
	device     *malgo.Device
	sampleRate int
	bufferSize int
	channels   int
	deviceName string

	in, out [][]float32 // per-channel scratch, reused every callback

	stopping atomic.Bool
	onStop   func()
}

// NewMalgoDevice opens an ALSA duplex stream. deviceName selects a
// specific ALSA device by name; an empty string uses the system default.
func NewMalgoDevice(deviceName string, sampleRate, bufferSize, channels int) (*malgoDevice, error) {
	ctx, err := malgo.InitContext([]malgo.Backend{malgo.BackendAlsa}, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("audiodriver: malgo.InitContext: %w", err)
	}
	d := &malgoDevice{
		ctx:        ctx,
		sampleRate: sampleRate,
		bufferSize: bufferSize,
		channels:   channels,
		deviceName: deviceName,
	}
	d.in = make([][]float32, channels)
	d.out = make([][]float32, channels)
	for ch := 0; ch < channels; ch++ {
		d.in[ch] = make([]float32, bufferSize)
		d.out[ch] = make([]float32, bufferSize)
	}
	return d, nil
}

func (d *malgoDevice) SampleRate() int { return d.sampleRate }
func (d *malgoDevice) BufferSize() int { return d.bufferSize }
func (d *malgoDevice) Channels() int   { return d.channels }

func (d *malgoDevice) Start(cb Callback) error {
	config := malgo.DefaultDeviceConfig(malgo.Duplex)
	config.Capture.Format = malgo.FormatF32
	config.Capture.Channels = uint32(d.channels)
	config.Playback.Format = malgo.FormatF32
	config.Playback.Channels = uint32(d.channels)
	config.SampleRate = uint32(d.sampleRate)
	config.PeriodSizeInFrames = uint32(d.bufferSize)

	callbacks := malgo.DeviceCallbacks{
		Data: func(pOutput, pInput []byte, frameCount uint32) {
			n := int(frameCount)
			if n > d.bufferSize {
				n = d.bufferSize
			}
			deinterleave(pInput, d.in, n, d.channels)
			cb(d.out, d.in, n)
			interleave(d.out, pOutput, n, d.channels)
		},
		Stop: func() {
			// miniaudio fires this both for requested stops and for a
			// stream the backend killed (device unplugged, ALSA fault);
			// only the latter goes up the fault ladder.
			if !d.stopping.Load() && d.onStop != nil {
				d.onStop()
			}
		},
	}

	device, err := malgo.InitDevice(d.ctx.Context, config, callbacks)
	if err != nil {
		return fmt.Errorf("audiodriver: malgo.InitDevice: %w", err)
	}
	d.device = device
	if err := device.Start(); err != nil {
		return fmt.Errorf("audiodriver: device.Start: %w", err)
	}
	return nil
}

// OnUnexpectedStop registers the callback Driver wires to its fault path;
// see audiodriver.faultNotifier.
func (d *malgoDevice) OnUnexpectedStop(f func()) { d.onStop = f }

func (d *malgoDevice) Stop() error {
	if d.device == nil {
		return nil
	}
	d.stopping.Store(true)
	err := d.device.Stop()
	d.stopping.Store(false)
	return err
}

func (d *malgoDevice) Close() error {
	d.stopping.Store(true)
	if d.device != nil {
		d.device.Uninit()
	}
	return d.ctx.Uninit()
}

// deinterleave copies n frames of channels-interleaved float32 bytes from
// src into per-channel dst slices.
func deinterleave(src []byte, dst [][]float32, n, channels int) {
	samples := bytesToFloat32(src)
	for ch := 0; ch < channels; ch++ {
		row := dst[ch]
		for i := 0; i < n; i++ {
			idx := i*channels + ch
			if idx < len(samples) {
				row[i] = samples[idx]
			} else {
				row[i] = 0
			}
		}
	}
}

// interleave is the inverse of deinterleave, writing into the device's
// output byte buffer.
func interleave(src [][]float32, dst []byte, n, channels int) {
	samples := bytesToFloat32(dst)
	for ch := 0; ch < channels; ch++ {
		row := src[ch]
		for i := 0; i < n; i++ {
			idx := i*channels + ch
			if idx < len(samples) {
				samples[idx] = row[i]
			}
		}
	}
}

func bytesToFloat32(b []byte) []float32 {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}
