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

package header

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"gvisor.dev/tcptab/pkg/tcpip/seqnum"
)

// TCPFlags is the dedicated type for TCP flags.
type TCPFlags uint8

// Flags that may be set in a TCP segment.
const (
	TCPFlagFin TCPFlags = 1 << iota
	TCPFlagSyn
	TCPFlagRst
	TCPFlagPsh
	TCPFlagAck
	TCPFlagUrg
)

// Intersects returns true iff there are flags common to both f and o.
func (f TCPFlags) Intersects(o TCPFlags) bool {
	return f&o != 0
}

// Contains returns true iff all the flags in o are contained within f.
func (f TCPFlags) Contains(o TCPFlags) bool {
	return f&o == o
}

// String implements Stringer.String.
func (f TCPFlags) String() string {
	flagsStr := []byte("FSRPAU")
	for i := range flagsStr {
		if f&(1<<uint(i)) == 0 {
			flagsStr[i] = ' '
		}
	}
	return string(flagsStr)
}

const (
	// TCPMinimumSize is the minimum size of a valid TCP packet.
	TCPMinimumSize = 20

	// TCPDefaultMSS is the MSS value that should be used if an MSS option
	// is not received from the peer.
	TCPDefaultMSS = 536

	// TCPMaxWindowScale is the largest window scale shift allowed.
	TCPMaxWindowScale = 14

	// TCPOptionMSSLength is the length of the MSS option.
	TCPOptionMSSLength = 4

	// TCPOptionTSLength is the length of the TS option.
	TCPOptionTSLength = 10

	// TCPOptionWSLength is the length of the WS option.
	TCPOptionWSLength = 3

	// TCPOptionSackPermittedLength is the length of the SACK Permitted
	// option.
	TCPOptionSackPermittedLength = 2
)

// ErrMalformedTCP is returned for segments that cannot be decoded.
var ErrMalformedTCP = errors.New("malformed TCP segment")

// TCPSynOptions is used to return the parsed TCP Options in a syn
// segment.
type TCPSynOptions struct {
	// MSS is the maximum segment size provided by the peer in the SYN.
	MSS uint16

	// WS is the window scale option provided by the peer in the SYN.
	//
	// Set to -1 if no window scale option was provided.
	WS int

	// TS is true if the timestamp option was provided in the syn/syn-ack.
	TS bool

	// TSVal is the value of the TSVal field in the timestamp option.
	TSVal uint32

	// TSEcr is the value of the TSEcr field in the timestamp option.
	TSEcr uint32

	// SACKPermitted is true if the SACK option was provided in the SYN/SYN-ACK.
	SACKPermitted bool
}

// TCPOptions are the options of a non-SYN segment this package understands.
type TCPOptions struct {
	// TS is true if the TimeStamp option is enabled.
	TS bool

	// TSVal is the value in the TSVal field of the segment.
	TSVal uint32

	// TSEcr is the value in the TSEcr field of the segment.
	TSEcr uint32
}

// TCP is a decoded TCP segment.
type TCP struct {
	SrcPort    uint16
	DstPort    uint16
	SeqNum     seqnum.Value
	AckNum     seqnum.Value
	Flags      TCPFlags
	WindowSize uint16

	// Options holds the timestamp option of any segment.
	Options TCPOptions

	// Syn holds the handshake options. It is only meaningful when Flags
	// contains TCPFlagSyn.
	Syn TCPSynOptions

	// Payload aliases the buffer passed to ParseTCP.
	Payload []byte
}

// SegLen returns the sequence space consumed by the segment.
func (t *TCP) SegLen() seqnum.Size {
	l := seqnum.Size(len(t.Payload))
	if t.Flags.Contains(TCPFlagSyn) {
		l++
	}
	if t.Flags.Contains(TCPFlagFin) {
		l++
	}
	return l
}

// ParseTCP decodes a TCP segment (header and payload, no IP header).
func ParseTCP(b []byte) (TCP, error) {
	if len(b) < TCPMinimumSize {
		return TCP{}, fmt.Errorf("%w: %d bytes", ErrMalformedTCP, len(b))
	}
	var l layers.TCP
	if err := l.DecodeFromBytes(b, gopacket.NilDecodeFeedback); err != nil {
		return TCP{}, fmt.Errorf("%w: %v", ErrMalformedTCP, err)
	}
	t := TCP{
		SrcPort:    uint16(l.SrcPort),
		DstPort:    uint16(l.DstPort),
		SeqNum:     seqnum.Value(l.Seq),
		AckNum:     seqnum.Value(l.Ack),
		WindowSize: l.Window,
		Payload:    l.Payload,
		Syn: TCPSynOptions{
			MSS: TCPDefaultMSS,
			WS:  -1,
		},
	}
	for _, fl := range []struct {
		set  bool
		flag TCPFlags
	}{
		{l.FIN, TCPFlagFin},
		{l.SYN, TCPFlagSyn},
		{l.RST, TCPFlagRst},
		{l.PSH, TCPFlagPsh},
		{l.ACK, TCPFlagAck},
		{l.URG, TCPFlagUrg},
	} {
		if fl.set {
			t.Flags |= fl.flag
		}
	}
	for _, o := range l.Options {
		switch o.OptionType {
		case layers.TCPOptionKindMSS:
			if len(o.OptionData) != TCPOptionMSSLength-2 {
				return TCP{}, fmt.Errorf("%w: MSS option length %d", ErrMalformedTCP, len(o.OptionData))
			}
			if mss := binary.BigEndian.Uint16(o.OptionData); mss != 0 {
				t.Syn.MSS = mss
			}
		case layers.TCPOptionKindWindowScale:
			if len(o.OptionData) != TCPOptionWSLength-2 {
				return TCP{}, fmt.Errorf("%w: WS option length %d", ErrMalformedTCP, len(o.OptionData))
			}
			ws := int(o.OptionData[0])
			if ws > TCPMaxWindowScale {
				ws = TCPMaxWindowScale
			}
			t.Syn.WS = ws
		case layers.TCPOptionKindSACKPermitted:
			t.Syn.SACKPermitted = true
		case layers.TCPOptionKindTimestamps:
			if len(o.OptionData) != TCPOptionTSLength-2 {
				return TCP{}, fmt.Errorf("%w: TS option length %d", ErrMalformedTCP, len(o.OptionData))
			}
			t.Options.TS = true
			t.Options.TSVal = binary.BigEndian.Uint32(o.OptionData[0:])
			t.Options.TSEcr = binary.BigEndian.Uint32(o.OptionData[4:])
		}
	}
	t.Syn.TS = t.Options.TS
	t.Syn.TSVal = t.Options.TSVal
	t.Syn.TSEcr = t.Options.TSEcr
	return t, nil
}

// TCPFields contains the fields of a TCP packet. It is used to describe the
// fields of a packet that needs to be encoded.
type TCPFields struct {
	// SrcPort is the "source port" field of a TCP packet.
	SrcPort uint16

	// DstPort is the "destination port" field of a TCP packet.
	DstPort uint16

	// SeqNum is the "sequence number" field of a TCP packet.
	SeqNum seqnum.Value

	// AckNum is the "acknowledgement number" field of a TCP packet.
	AckNum seqnum.Value

	// Flags is the "flags" field of a TCP packet.
	Flags TCPFlags

	// WindowSize is the "window size" field of a TCP packet.
	WindowSize uint16

	// Syn, when non-nil, holds the options advertised in a SYN or SYN-ACK.
	// Only options enabled in it are written.
	Syn *TCPSynOptions

	// TS, when non-nil and Syn is nil, adds a timestamp option.
	TS *TCPOptions

	// Payload is appended after the header.
	Payload []byte
}

func (f *TCPFields) options() []layers.TCPOption {
	var opts []layers.TCPOption
	ts := f.TS
	if s := f.Syn; s != nil {
		if s.MSS != 0 {
			var d [2]byte
			binary.BigEndian.PutUint16(d[:], s.MSS)
			opts = append(opts, layers.TCPOption{OptionType: layers.TCPOptionKindMSS, OptionLength: TCPOptionMSSLength, OptionData: d[:]})
		}
		if s.WS >= 0 {
			opts = append(opts,
				layers.TCPOption{OptionType: layers.TCPOptionKindNop},
				layers.TCPOption{OptionType: layers.TCPOptionKindWindowScale, OptionLength: TCPOptionWSLength, OptionData: []byte{byte(s.WS)}})
		}
		if s.SACKPermitted {
			opts = append(opts,
				layers.TCPOption{OptionType: layers.TCPOptionKindNop},
				layers.TCPOption{OptionType: layers.TCPOptionKindNop},
				layers.TCPOption{OptionType: layers.TCPOptionKindSACKPermitted, OptionLength: TCPOptionSackPermittedLength})
		}
		if s.TS {
			ts = &TCPOptions{TS: true, TSVal: s.TSVal, TSEcr: s.TSEcr}
		} else {
			ts = nil
		}
	}
	if ts != nil && ts.TS {
		var d [8]byte
		binary.BigEndian.PutUint32(d[0:], ts.TSVal)
		binary.BigEndian.PutUint32(d[4:], ts.TSEcr)
		opts = append(opts,
			layers.TCPOption{OptionType: layers.TCPOptionKindNop},
			layers.TCPOption{OptionType: layers.TCPOptionKindNop},
			layers.TCPOption{OptionType: layers.TCPOptionKindTimestamps, OptionLength: TCPOptionTSLength, OptionData: d[:]})
	}
	return opts
}

// EncodeTCP serializes f into a new buffer with a correct checksum for a
// segment travelling from src to dst. No IP header is produced; the network
// layer is only used to build the checksum pseudo-header.
func EncodeTCP(src, dst netip.Addr, f TCPFields) ([]byte, error) {
	l := &layers.TCP{
		SrcPort: layers.TCPPort(f.SrcPort),
		DstPort: layers.TCPPort(f.DstPort),
		Seq:     uint32(f.SeqNum),
		Ack:     uint32(f.AckNum),
		Window:  f.WindowSize,
		FIN:     f.Flags.Contains(TCPFlagFin),
		SYN:     f.Flags.Contains(TCPFlagSyn),
		RST:     f.Flags.Contains(TCPFlagRst),
		PSH:     f.Flags.Contains(TCPFlagPsh),
		ACK:     f.Flags.Contains(TCPFlagAck),
		URG:     f.Flags.Contains(TCPFlagUrg),
		Options: f.options(),
	}

	src, dst = src.Unmap(), dst.Unmap()
	var nl gopacket.NetworkLayer
	switch {
	case src.Is4() && dst.Is4():
		nl = &layers.IPv4{SrcIP: net.IP(src.AsSlice()), DstIP: net.IP(dst.AsSlice()), Protocol: layers.IPProtocolTCP}
	case src.Is6() && dst.Is6():
		nl = &layers.IPv6{SrcIP: net.IP(src.AsSlice()), DstIP: net.IP(dst.AsSlice()), NextHeader: layers.IPProtocolTCP}
	default:
		return nil, fmt.Errorf("mismatched address families %s and %s", src, dst)
	}
	if err := l.SetNetworkLayerForChecksum(nl); err != nil {
		return nil, err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, l, gopacket.Payload(f.Payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Describe returns a one-line summary of a segment for logging.
func (t *TCP) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d->%d [%s] seq %d ack %d win %d len %d", t.SrcPort, t.DstPort, strings.TrimSpace(t.Flags.String()), t.SeqNum, t.AckNum, t.WindowSize, len(t.Payload))
	return b.String()
}
