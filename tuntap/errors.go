package tuntap

import "errors"

var errChannelClosed = errors.New("tuntap: channel device closed")
