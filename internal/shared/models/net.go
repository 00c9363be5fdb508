package models

import (
	"encoding/binary"
	"errors"
	"net"
	"strconv"
)

type Addr struct {
	IP   net.IP
	Port uint16
}

func (a Addr) String() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port)))
}

var ErrInvalidAddr = errors.New("invalid address")

const compactAddrLen = 6

func (a *Addr) ReadFromBytes(b []byte) error {
	if len(b) != compactAddrLen {
		return ErrInvalidAddr
	}

	a.IP = net.IPv4(b[0], b[1], b[2], b[3])
	a.Port = binary.BigEndian.Uint16(b[4:])

	return nil
}

// ParseCompactAddrs decodes a compact peer list: 4 bytes IPv4 followed by a 2 byte
// port, both big endian, per entry.
func ParseCompactAddrs(b []byte) ([]Addr, error) {
	if len(b)%compactAddrLen != 0 {
		return nil, ErrInvalidAddr
	}

	addrs := make([]Addr, 0, len(b)/compactAddrLen)
	for ; len(b) > 0; b = b[compactAddrLen:] {
		var addr Addr
		if err := addr.ReadFromBytes(b[:compactAddrLen]); err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}
