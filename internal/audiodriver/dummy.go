package audiodriver

import (
	"strings"
	"sync"
	"time"
)

// DummyDevicePrefix is the device-name prefix that selects the pure-Go
// synthetic device instead of a real ALSA device (spec.md §6: device
// names beginning with this prefix never touch hardware, letting tests
// and headless CI runs exercise the full host without an audio card).
const DummyDevicePrefix = "__DUMMY_AUDIO__"

// IsDummyDeviceName reports whether name selects the dummy device.
func IsDummyDeviceName(name string) bool {
	return strings.HasPrefix(name, DummyDevicePrefix)
}

// DummyDevice is a silent, deterministic Device driven by a time.Ticker at
// the configured period. Input is always zeroed, matching "no input
// signal present" rather than simulating noise.
type DummyDevice struct {
	sampleRate int
	bufferSize int
	channels   int

	mu      sync.Mutex
	ticker  *time.Ticker
	stop    chan struct{}
	running bool
}

// NewDummyDevice constructs a DummyDevice with the given stream shape.
func NewDummyDevice(sampleRate, bufferSize, channels int) *DummyDevice {
	return &DummyDevice{sampleRate: sampleRate, bufferSize: bufferSize, channels: channels}
}

func (d *DummyDevice) SampleRate() int { return d.sampleRate }
func (d *DummyDevice) BufferSize() int { return d.bufferSize }
func (d *DummyDevice) Channels() int   { return d.channels }

// Start launches a goroutine that invokes cb once per period, forever,
// until Stop is called.
func (d *DummyDevice) Start(cb Callback) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	period := time.Duration(float64(d.bufferSize) / float64(d.sampleRate) * float64(time.Second))
	if period <= 0 {
		period = time.Millisecond
	}
	d.ticker = time.NewTicker(period)
	d.stop = make(chan struct{})
	d.running = true
	ticker, stop := d.ticker, d.stop
	d.mu.Unlock()

	input := make([][]float32, d.channels)
	output := make([][]float32, d.channels)
	for ch := 0; ch < d.channels; ch++ {
		input[ch] = make([]float32, d.bufferSize)
		output[ch] = make([]float32, d.bufferSize)
	}

	go func() {
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				cb(output, input, d.bufferSize)
			}
		}
	}()
	return nil
}

// Stop halts the ticker goroutine.
func (d *DummyDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return nil
	}
	d.ticker.Stop()
	close(d.stop)
	d.running = false
	return nil
}

// Close is a no-op for the dummy device; Stop already released resources.
func (d *DummyDevice) Close() error { return nil }
