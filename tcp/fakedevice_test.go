package tcp

import "github.com/usertcp/usertcp/header"

// fakeDevice collects every frame written to it, for assertions, and can
// optionally parse the last one back into its TCP header for convenience.
type fakeDevice struct {
	frames [][]byte
}

func (d *fakeDevice) WriteFrame(frame []byte) error {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	d.frames = append(d.frames, cp)
	return nil
}

func (d *fakeDevice) last() header.TCP {
	f := d.frames[len(d.frames)-1]
	ip := header.IPv4(f[4:])
	return header.TCP(ip[ip.HeaderLength():])
}

func (d *fakeDevice) lastPayload() []byte {
	return d.last().Payload()
}

func (d *fakeDevice) reset() { d.frames = nil }
