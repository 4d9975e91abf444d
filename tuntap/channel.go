package tuntap

// ChannelDevice is an in-memory stack.Device: outbound frames go onto Out,
// inbound frames are injected onto In. It exists so tests can exercise the
// packet and tick loops without a real TUN device, the way the retrieved
// reference stack's channel link endpoint backs its own transport tests.
type ChannelDevice struct {
	In  chan []byte
	Out chan []byte
}

// NewChannelDevice returns a ChannelDevice with the given channel capacity.
func NewChannelDevice(size int) *ChannelDevice {
	return &ChannelDevice{
		In:  make(chan []byte, size),
		Out: make(chan []byte, size),
	}
}

// ReadFrame blocks until a frame is injected on In.
func (d *ChannelDevice) ReadFrame() ([]byte, error) {
	frame, ok := <-d.In
	if !ok {
		return nil, errChannelClosed
	}
	return frame, nil
}

// WriteFrame enqueues frame on Out, copying it first since callers reuse
// their write buffers across calls.
func (d *ChannelDevice) WriteFrame(frame []byte) error {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	d.Out <- cp
	return nil
}

// Inject pushes frame onto In as if it had arrived from the kernel.
func (d *ChannelDevice) Inject(frame []byte) {
	d.In <- frame
}

// Close closes the In channel, causing a blocked ReadFrame to return
// errChannelClosed.
func (d *ChannelDevice) Close() {
	close(d.In)
}
