package audiodriver

// OpenDevice resolves a configured device name to a Device, selecting the
// synthetic DummyDevice when name carries the dummy-device prefix and the
// real ALSA-backed device otherwise (spec.md §6).
func OpenDevice(name string, sampleRate, bufferSize, channels int) (Device, error) {
	if IsDummyDeviceName(name) {
		return NewDummyDevice(sampleRate, bufferSize, channels), nil
	}
	return NewMalgoDevice(name, sampleRate, bufferSize, channels)
}
