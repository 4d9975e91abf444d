//go:build !linux

package tuntap

import "fmt"

// Open is unsupported outside Linux: TUNSETIFF and SIOCGIFMTU are
// Linux-specific ioctls with no portable equivalent this repo implements.
func Open(name string) (*Device, error) {
	return nil, fmt.Errorf("tuntap: opening a TUN device is only supported on linux")
}

func readFd(fd int, buf []byte) (int, error) { return 0, fmt.Errorf("tuntap: unsupported platform") }
func writeFd(fd int, buf []byte) error        { return fmt.Errorf("tuntap: unsupported platform") }
func closeFd(fd int) error                    { return nil }
