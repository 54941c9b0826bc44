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

package syncookie

import (
	"math/rand"
	"net/netip"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/tcptab/pkg/tcpip"
	"gvisor.dev/tcptab/pkg/tcpip/seqnum"
)

func newTestJar(t *testing.T, seed int64) *Jar {
	t.Helper()
	j, err := NewJar(rand.New(rand.NewSource(seed)))
	if err != nil {
		t.Fatalf("NewJar = %v", err)
	}
	return j
}

func randomID(rng *rand.Rand) tcpip.TransportEndpointID {
	var la, ra [4]byte
	rng.Read(la[:])
	rng.Read(ra[:])
	return tcpip.TransportEndpointID{
		LocalAddress:  netip.AddrFrom4(la),
		LocalPort:     uint16(rng.Intn(65535) + 1),
		RemoteAddress: netip.AddrFrom4(ra),
		RemotePort:    uint16(rng.Intn(65535) + 1),
	}
}

func TestRoundTrip(t *testing.T) {
	j := newTestJar(t, 1)
	rng := rand.New(rand.NewSource(2))
	now := time.Unix(1_700_000_000, 0)
	for i := 0; i < 1000; i++ {
		id := randomID(rng)
		irs := seqnum.Value(rng.Uint32())
		opts := Options{
			MSS:           mssTable[rng.Intn(len(mssTable))],
			WS:            rng.Intn(16) - 1,
			SACKPermitted: rng.Intn(2) == 0,
			TS:            rng.Intn(2) == 0,
		}
		if opts.WS > 14 {
			opts.WS = 14
		}
		cookie := j.Make(id, irs, now, opts)
		// The final ACK may arrive up to two counter periods later.
		later := now.Add(time.Duration(rng.Intn(MaxCounterDiff)) * CounterPeriod)
		got, ok := j.Check(id, cookie, irs, later)
		if !ok {
			t.Fatalf("Check(%s) rejected a fresh cookie", id)
		}
		if diff := cmp.Diff(opts, got); diff != "" {
			t.Fatalf("options mismatch for %s (-want +got):\n%s", id, diff)
		}
	}
}

func TestExpired(t *testing.T) {
	j := newTestJar(t, 3)
	id := randomID(rand.New(rand.NewSource(4)))
	now := time.Unix(1_700_000_000, 0)
	cookie := j.Make(id, 1000, now, Options{MSS: 1460, WS: -1})
	if _, ok := j.Check(id, cookie, 1000, now.Add((MaxCounterDiff+1)*CounterPeriod)); ok {
		t.Errorf("Check accepted a cookie %d periods old", MaxCounterDiff+1)
	}
}

func TestRotation(t *testing.T) {
	j := newTestJar(t, 5)
	id := randomID(rand.New(rand.NewSource(6)))
	now := time.Unix(1_700_000_000, 0)
	cookie := j.Make(id, 7, now, Options{MSS: 536, WS: 7, TS: true})
	if err := j.Rotate(); err != nil {
		t.Fatalf("Rotate = %v", err)
	}
	if _, ok := j.Check(id, cookie, 7, now); !ok {
		t.Errorf("Check rejected a cookie made with the previous secret")
	}
	if err := j.Rotate(); err != nil {
		t.Fatalf("Rotate = %v", err)
	}
	if _, ok := j.Check(id, cookie, 7, now); ok {
		t.Errorf("Check accepted a cookie made two secrets ago")
	}
}

func TestTampered(t *testing.T) {
	j := newTestJar(t, 7)
	rng := rand.New(rand.NewSource(8))
	now := time.Unix(1_700_000_000, 0)
	accepted := 0
	for i := 0; i < 400; i++ {
		id := randomID(rng)
		cookie := j.Make(id, 42, now, Options{MSS: 1460, WS: -1})
		other := id
		other.RemotePort++
		if _, ok := j.Check(other, cookie, 42, now); ok {
			accepted++
		}
	}
	if accepted != 0 {
		t.Errorf("got %d tampered cookies accepted, want 0", accepted)
	}
}

func TestEncodeMSS(t *testing.T) {
	for _, tc := range []struct {
		mss, want uint16
	}{
		{0, 64},
		{100, 64},
		{536, 536},
		{1000, 536},
		{1460, 1460},
		{9000, 4312},
	} {
		if got := mssTable[encodeMSS(tc.mss)]; got != tc.want {
			t.Errorf("encodeMSS(%d) -> %d, want %d", tc.mss, got, tc.want)
		}
	}
}
