package tcp

// Device is the sink a Connection writes finished IPv4 frames to, already
// carrying the 4-byte TUN protocol-family prefix. tuntap.Device and every
// test in this package satisfy it.
type Device interface {
	WriteFrame(frame []byte) error
}
