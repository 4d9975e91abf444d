//go:build linux

package tuntap

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Open opens name (e.g. "tun0") as a TUN device, no packet-info header, and
// discovers its MTU via SIOCGIFMTU. name must already exist (created with
// `ip tuntap add`) or the kernel must be willing to create it on open,
// which requires CAP_NET_ADMIN either way.
func Open(name string) (*Device, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tuntap: open /dev/net/tun: %w", err)
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tuntap: build ifreq: %w", err)
	}
	ifr.SetUint16(unix.IFF_TUN | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tuntap: TUNSETIFF: %w", err)
	}

	if err := unix.SetNonblock(fd, false); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tuntap: set blocking: %w", err)
	}

	mtu, err := getMTU(name)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	return &Device{fd: fd, mtu: mtu}, nil
}

func getMTU(name string) (uint32, error) {
	sock, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return 0, fmt.Errorf("tuntap: socket: %w", err)
	}
	defer unix.Close(sock)

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return 0, fmt.Errorf("tuntap: build ifreq: %w", err)
	}
	if err := unix.IoctlIfreq(sock, unix.SIOCGIFMTU, ifr); err != nil {
		return 0, fmt.Errorf("tuntap: SIOCGIFMTU: %w", err)
	}
	return uint32(ifr.Uint32()), nil
}

func readFd(fd int, buf []byte) (int, error) {
	n, err := unix.Read(fd, buf)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func writeFd(fd int, buf []byte) error {
	_, err := unix.Write(fd, buf)
	return err
}

func closeFd(fd int) error {
	return unix.Close(fd)
}
