// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package header provides the implementation of the encoding and decoding of
// TCP segments.
package header

import (
	"encoding/binary"
	"net/netip"
)

// tcpProtocolNumber is the IP protocol number of TCP.
const tcpProtocolNumber = 6

func calculateChecksum(buf []byte, initial uint32) uint16 {
	v := initial

	l := len(buf)
	if l&1 != 0 {
		l--
		v += uint32(buf[l]) << 8
	}

	for i := 0; i < l; i += 2 {
		v += (uint32(buf[i]) << 8) + uint32(buf[i+1])
	}

	return ChecksumCombine(uint16(v), uint16(v>>16))
}

// Checksum calculates the checksum (as defined in RFC 1071) of the bytes in the
// given byte array.
//
// The initial checksum must have been computed on an even number of bytes.
func Checksum(buf []byte, initial uint16) uint16 {
	return calculateChecksum(buf, uint32(initial))
}

// ChecksumCombine combines the two uint16 to form their checksum. This is done
// by adding them and the carry.
//
// Note that checksum a must have been computed on an even number of bytes.
func ChecksumCombine(a, b uint16) uint16 {
	v := uint32(a) + uint32(b)
	return uint16(v + v>>16)
}

// PseudoHeaderChecksum calculates the TCP pseudo-header checksum for the
// given network addresses and segment length. IPv4-mapped addresses are
// treated as IPv4.
func PseudoHeaderChecksum(srcAddr, dstAddr netip.Addr, length uint16) uint16 {
	src, dst := srcAddr.Unmap().AsSlice(), dstAddr.Unmap().AsSlice()
	xsum := Checksum(src, 0)
	xsum = Checksum(dst, xsum)
	var l [4]byte
	l[1] = tcpProtocolNumber
	binary.BigEndian.PutUint16(l[2:], length)
	return Checksum(l[:], xsum)
}

// TCPChecksumValid reports whether the checksum of segment b, sent from src
// to dst, is correct.
func TCPChecksumValid(src, dst netip.Addr, b []byte) bool {
	if len(b) > 0xffff {
		return false
	}
	xsum := PseudoHeaderChecksum(src, dst, uint16(len(b)))
	return Checksum(b, xsum) == 0xffff
}
