// Package tuntap opens a Linux TUN device and exposes it as a stack.Device:
// reading and writing whole frames, each carrying the 4-byte flags+protocol
// prefix the tcp and stack packages expect.
package tuntap

import (
	"fmt"
)

// tunPrefixSize is the 4-byte prefix (2 bytes flags, 2 bytes protocol
// family) every frame on a TUN device without IFF_NO_PI would carry; this
// device is opened with IFF_NO_PI and synthesizes the prefix itself so the
// framing is uniform across platforms.
const tunPrefixSize = 4

// ipv4PrefixBytes matches tcp.Connection.emit's outbound prefix convention.
var ipv4PrefixBytes = [tunPrefixSize]byte{0, 0, 0, 2}

// Device is a TUN file descriptor, ready to read and write IPv4 frames.
type Device struct {
	fd  int
	mtu uint32
}

// ReadFrame reads one frame and returns it with the 4-byte prefix this
// repo's convention expects prepended.
func (d *Device) ReadFrame() ([]byte, error) {
	buf := make([]byte, tunPrefixSize+int(d.mtu))
	copy(buf[:tunPrefixSize], ipv4PrefixBytes[:])
	n, err := readFd(d.fd, buf[tunPrefixSize:])
	if err != nil {
		return nil, fmt.Errorf("tuntap: read: %w", err)
	}
	return buf[:tunPrefixSize+n], nil
}

// WriteFrame writes frame, which must carry the 4-byte prefix, stripping it
// before handing the IPv4 datagram to the kernel.
func (d *Device) WriteFrame(frame []byte) error {
	if len(frame) < tunPrefixSize {
		return fmt.Errorf("tuntap: frame shorter than prefix")
	}
	if err := writeFd(d.fd, frame[tunPrefixSize:]); err != nil {
		return fmt.Errorf("tuntap: write: %w", err)
	}
	return nil
}

// MTU returns the interface MTU discovered at Open time.
func (d *Device) MTU() uint32 { return d.mtu }

// Close releases the file descriptor.
func (d *Device) Close() error { return closeFd(d.fd) }
