/*
 * Copyright (c) 2024, aioshadowsocks Authors.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

/*

Package protocol implements the socks-style target address header shared by
the shadowsocks TCP stream and UDP packet formats:

	| 1-byte ATYP | variable-length address | 2-byte big-endian port |

ATYP 0x01 is a 4-byte IPv4 address, 0x03 a 1-byte-length-prefixed domain
name, and 0x04 a 16-byte IPv6 address.

*/
package protocol

import (
	"encoding/binary"
	"io"
	"net"
	"strconv"

	"github.com/aioshadowsocks/aioshadowsocks-go/shadowsocks/common/errors"
)

// Address type codes.
const (
	AddressTypeIPv4   = 0x01
	AddressTypeDomain = 0x03
	AddressTypeIPv6   = 0x04
)

// MaxAddressLength is the maximum encoded length of an address header:
// ATYP, length-prefixed 255-byte domain, and port.
const MaxAddressLength = 1 + 1 + 255 + 2

// Address is a decoded target address. Either Domain or IP is set, never
// both.
type Address struct {
	Domain string
	IP     net.IP
	Port   int
}

// Host returns the domain name or the IP address string.
func (address *Address) Host() string {
	if address.Domain != "" {
		return address.Domain
	}
	return address.IP.String()
}

// IsDomain indicates whether the address is a domain name requiring
// resolution before dialing.
func (address *Address) IsDomain() bool {
	return address.Domain != ""
}

func (address *Address) String() string {
	return net.JoinHostPort(address.Host(), strconv.Itoa(address.Port))
}

// ReadAddress reads and decodes an address header from a stream. The reader
// is expected to deliver plaintext, so for shadowsocks TCP it is layered
// above the AEAD stream reader.
func ReadAddress(reader io.Reader) (*Address, error) {

	var header [MaxAddressLength]byte

	_, err := io.ReadFull(reader, header[:1])
	if err != nil {
		// Note: no trace error to preserve error type
		return nil, err
	}

	addressType := header[0]

	addressLength := 0
	switch addressType {
	case AddressTypeIPv4:
		addressLength = net.IPv4len
	case AddressTypeIPv6:
		addressLength = net.IPv6len
	case AddressTypeDomain:
		_, err = io.ReadFull(reader, header[:1])
		if err != nil {
			return nil, errors.Trace(err)
		}
		addressLength = int(header[0])
		if addressLength == 0 {
			return nil, errors.TraceNew("zero-length domain")
		}
	default:
		return nil, errors.Tracef("invalid address type: %#x", addressType)
	}

	buffer := header[:addressLength+2]
	_, err = io.ReadFull(reader, buffer)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return decodeAddress(addressType, buffer)
}

// ParseAddress decodes an address header from the front of a buffer,
// returning the address and the number of bytes consumed. The remainder of
// the buffer is payload.
func ParseAddress(buffer []byte) (*Address, int, error) {

	if len(buffer) < 1 {
		return nil, 0, errors.TraceNew("missing address type")
	}

	addressType := buffer[0]
	offset := 1
	addressLength := 0

	switch addressType {
	case AddressTypeIPv4:
		addressLength = net.IPv4len
	case AddressTypeIPv6:
		addressLength = net.IPv6len
	case AddressTypeDomain:
		if len(buffer) < 2 {
			return nil, 0, errors.TraceNew("missing domain length")
		}
		addressLength = int(buffer[1])
		if addressLength == 0 {
			return nil, 0, errors.TraceNew("zero-length domain")
		}
		offset = 2
	default:
		return nil, 0, errors.Tracef("invalid address type: %#x", addressType)
	}

	if len(buffer) < offset+addressLength+2 {
		return nil, 0, errors.TraceNew("truncated address")
	}

	address, err := decodeAddress(
		addressType, buffer[offset:offset+addressLength+2])
	if err != nil {
		return nil, 0, errors.Trace(err)
	}

	return address, offset + addressLength + 2, nil
}

func decodeAddress(addressType byte, buffer []byte) (*Address, error) {

	port := int(binary.BigEndian.Uint16(buffer[len(buffer)-2:]))
	if port == 0 {
		return nil, errors.TraceNew("invalid port")
	}

	address := &Address{Port: port}

	switch addressType {
	case AddressTypeIPv4, AddressTypeIPv6:
		address.IP = make(net.IP, len(buffer)-2)
		copy(address.IP, buffer[:len(buffer)-2])
	case AddressTypeDomain:
		domain := buffer[:len(buffer)-2]

		// A client may encode an IP literal as a domain; normalize so
		// destination checks see an IP.
		if ip := net.ParseIP(string(domain)); ip != nil {
			address.IP = ip
		} else {
			address.Domain = string(domain)
		}
	}

	return address, nil
}

// AppendAddress encodes the given UDP address and appends it to dst. It is
// used to build the origin address header prefixed to UDP responses.
func AppendAddress(dst []byte, addr *net.UDPAddr) ([]byte, error) {

	if ip4 := addr.IP.To4(); ip4 != nil {
		dst = append(dst, AddressTypeIPv4)
		dst = append(dst, ip4...)
	} else if ip6 := addr.IP.To16(); ip6 != nil {
		dst = append(dst, AddressTypeIPv6)
		dst = append(dst, ip6...)
	} else {
		return nil, errors.Tracef("invalid IP address: %s", addr.IP)
	}

	var port [2]byte
	binary.BigEndian.PutUint16(port[:], uint16(addr.Port))
	dst = append(dst, port[:]...)

	return dst, nil
}
