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

// Package syncookie implements stateless SYN cookies: initial sequence
// numbers that encode the options of a handshake so that a listener whose
// queue is full can complete it without keeping state.
//
// A cookie is a pure function of the 4-tuple, the peer's initial sequence
// number, a secret and a coarse time counter. The secret is rotated by a Jar;
// cookies made with the previous secret remain valid.
package syncookie

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"io"
	"sync"
	"time"

	"gvisor.dev/tcptab/pkg/tcpip"
	"gvisor.dev/tcptab/pkg/tcpip/seqnum"
)

const (
	// tsLen is the length, in bits, of the timestamp in the SYN cookie.
	tsLen = 8

	// tsMask is a mask for timestamp values (i.e., tsLen bits).
	tsMask = (1 << tsLen) - 1

	// tsOffset is the offset, in bits, of the timestamp in the SYN cookie.
	tsOffset = 24

	// hashMask is the mask for hash values (i.e., tsOffset bits).
	hashMask = (1 << tsOffset) - 1

	// MaxCounterDiff is the maximum allowed difference between a received
	// cookie timestamp and the current timestamp. If the difference is
	// greater than MaxCounterDiff, the cookie is expired.
	MaxCounterDiff = 2

	// CounterPeriod is the granularity of the cookie timestamp.
	CounterPeriod = 64 * time.Second
)

// Counter returns the coarse cookie timestamp for t.
func Counter(t time.Time) uint32 {
	return uint32(t.Unix()>>6) & tsMask
}

// Secret is the keying material of cookies.
type Secret struct {
	nonce [2][sha1.BlockSize]byte
}

// NewSecret draws a secret from r, or from crypto/rand if r is nil.
func NewSecret(r io.Reader) (Secret, error) {
	if r == nil {
		r = rand.Reader
	}
	var s Secret
	if _, err := io.ReadFull(r, s.nonce[0][:]); err != nil {
		return Secret{}, err
	}
	if _, err := io.ReadFull(r, s.nonce[1][:]); err != nil {
		return Secret{}, err
	}
	return s, nil
}

// hash calculates the hash for the given id, timestamp and nonce index. The
// hash is used to create and validate cookies.
func (s *Secret) hash(id tcpip.TransportEndpointID, ts uint32, nonceIndex int) uint32 {
	// Initialize block with fixed-size data: local ports and v.
	var payload [8]byte
	binary.BigEndian.PutUint16(payload[0:], id.LocalPort)
	binary.BigEndian.PutUint16(payload[2:], id.RemotePort)
	binary.BigEndian.PutUint32(payload[4:], ts)

	h := sha1.New()
	h.Write(payload[:])
	h.Write(s.nonce[nonceIndex][:])
	la := id.LocalAddress.As16()
	ra := id.RemoteAddress.As16()
	h.Write(la[:])
	h.Write(ra[:])

	// Finalize the calculation of the hash and return the first 4 bytes.
	var sum [sha1.Size]byte
	return binary.BigEndian.Uint32(h.Sum(sum[:0]))
}

// Make creates a SYN cookie for the given id and incoming sequence number at
// timestamp ts. data must fit in 24 bits.
func Make(s *Secret, id tcpip.TransportEndpointID, seq seqnum.Value, ts uint32, data uint32) seqnum.Value {
	ts &= tsMask
	v := s.hash(id, 0, 0) + uint32(seq) + (ts << tsOffset)
	v += (s.hash(id, ts, 1) + data) & hashMask
	return seqnum.Value(v)
}

// Check checks if the supplied cookie is valid for the given id and sequence
// number at timestamp ts. If it is, it also returns the data originally
// encoded in the cookie when Make was called.
func Check(s *Secret, id tcpip.TransportEndpointID, cookie seqnum.Value, seq seqnum.Value, ts uint32) (uint32, bool) {
	v := uint32(cookie) - s.hash(id, 0, 0) - uint32(seq)
	cookieTS := v >> tsOffset
	if ((ts - cookieTS) & tsMask) > MaxCounterDiff {
		return 0, false
	}
	return (v - s.hash(id, cookieTS, 1)) & hashMask, true
}

// mssTable is a slice containing the possible MSS values that we encode in
// the SYN cookie with three bits.
var mssTable = []uint16{64, 256, 512, 536, 1024, 1440, 1460, 4312}

const (
	mssBits      = 3
	mssMask      = (1 << mssBits) - 1
	sackBit      = 1 << 3
	tsBit        = 1 << 4
	wsBit        = 1 << 5
	wsShift      = 6
	wsMask       = 0xf
	reservedMask = hashMask &^ (1<<(wsShift+4) - 1)
)

// Options are the negotiated options carried by a cookie.
type Options struct {
	// MSS is rounded down to the closest encodable value.
	MSS uint16

	// WS is the window scale, or -1 if window scaling is off.
	WS int

	// SACKPermitted reports whether the peer offered SACK.
	SACKPermitted bool

	// TS reports whether the peer offered timestamps.
	TS bool
}

// encodeMSS encodes the MSS with the closest lower value that fits in the
// table.
func encodeMSS(mss uint16) uint32 {
	for i := len(mssTable) - 1; i > 0; i-- {
		if mss >= mssTable[i] {
			return uint32(i)
		}
	}
	return 0
}

// EncodeOptions packs o into the data field of a cookie.
func EncodeOptions(o Options) uint32 {
	d := encodeMSS(o.MSS)
	if o.SACKPermitted {
		d |= sackBit
	}
	if o.TS {
		d |= tsBit
	}
	if o.WS >= 0 {
		ws := o.WS
		if ws > 14 {
			ws = 14
		}
		d |= wsBit | uint32(ws)<<wsShift
	}
	return d
}

// DecodeOptions unpacks the data field of a cookie. It fails if reserved bits
// are set, which is how forged cookies are usually detected.
func DecodeOptions(d uint32) (Options, bool) {
	if d&reservedMask != 0 {
		return Options{}, false
	}
	o := Options{
		MSS:           mssTable[d&mssMask],
		WS:            -1,
		SACKPermitted: d&sackBit != 0,
		TS:            d&tsBit != 0,
	}
	if d&wsBit != 0 {
		o.WS = int(d>>wsShift) & wsMask
		if o.WS > 14 {
			return Options{}, false
		}
	} else if d>>wsShift&wsMask != 0 {
		return Options{}, false
	}
	return o, true
}

// Jar holds the current and previous secret. It is safe for concurrent use.
type Jar struct {
	mu   sync.RWMutex
	cur  Secret
	prev Secret
	rand io.Reader
}

// NewJar creates a Jar whose secrets are drawn from r, or crypto/rand if r is
// nil.
func NewJar(r io.Reader) (*Jar, error) {
	if r == nil {
		r = rand.Reader
	}
	s, err := NewSecret(r)
	if err != nil {
		return nil, err
	}
	return &Jar{cur: s, prev: s, rand: r}, nil
}

// Rotate replaces the current secret. The replaced secret keeps validating
// cookies until the next rotation.
func (j *Jar) Rotate() error {
	s, err := NewSecret(j.rand)
	if err != nil {
		return err
	}
	j.mu.Lock()
	j.prev, j.cur = j.cur, s
	j.mu.Unlock()
	return nil
}

// Make returns a cookie for a SYN with sequence number seq received at now.
func (j *Jar) Make(id tcpip.TransportEndpointID, seq seqnum.Value, now time.Time, o Options) seqnum.Value {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return Make(&j.cur, id, seq, Counter(now), EncodeOptions(o))
}

// Check validates the acknowledged cookie of a handshake-completing ACK. seq
// is the peer's initial sequence number (the ACK's sequence number minus
// one).
func (j *Jar) Check(id tcpip.TransportEndpointID, cookie, seq seqnum.Value, now time.Time) (Options, bool) {
	ts := Counter(now)
	j.mu.RLock()
	defer j.mu.RUnlock()
	for _, s := range []*Secret{&j.cur, &j.prev} {
		if d, ok := Check(s, id, cookie, seq, ts); ok {
			if o, ok := DecodeOptions(d); ok {
				return o, true
			}
		}
	}
	return Options{}, false
}
