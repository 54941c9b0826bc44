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

// Package tcp contains the connection tables of the TCP transport protocol:
// the established/TIME_WAIT hash and its demultiplexer, the listening table,
// the handshake engine with its SYN cookie fallback and the TIME_WAIT
// lifecycle.
//
// A Protocol is created with NewProtocol. The network layer feeds it received
// segments through HandleSegment and control messages through
// HandleControlPacket; produced segments leave through the LinkWriter given
// in Options. Connections are created with Protocol.Connect and
// Protocol.Listen.
package tcp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/time/rate"
	"gvisor.dev/tcptab/pkg/log"
	"gvisor.dev/tcptab/pkg/tcpip"
	"gvisor.dev/tcptab/pkg/tcpip/header"
	"gvisor.dev/tcptab/pkg/tcpip/ports"
	"gvisor.dev/tcptab/pkg/tcpip/route"
	"gvisor.dev/tcptab/pkg/tcpip/syncookie"
)

const (
	// DefaultEstablishedBuckets is the default number of buckets of the
	// established/TIME_WAIT hash.
	DefaultEstablishedBuckets = 4096

	// DefaultSynAckRetries is the default number of SYN-ACK retransmits
	// before a half-open connection is dropped.
	DefaultSynAckRetries = 5

	// DefaultSynRetries is the default value for the number of SYN retransmits
	// before a connect is aborted.
	DefaultSynRetries = 6

	// DefaultRetries is the default number of FIN retransmits before a
	// closing connection is aborted.
	DefaultRetries = 15

	// DefaultTCPTimeWaitTimeout is the amount of time that sockets linger
	// in TIME_WAIT state before being marked closed.
	DefaultTCPTimeWaitTimeout = 60 * time.Second

	// DefaultTCPLingerTimeout is the amount of time that orphaned sockets
	// linger in FIN_WAIT_2 state before being marked closed.
	DefaultTCPLingerTimeout = 60 * time.Second

	// DefaultSynQueueInterval is the period of the protocol ticker that
	// sweeps SYN queues and advances the TIME_WAIT ring.
	DefaultSynQueueInterval = 200 * time.Millisecond

	// DefaultTimeoutInit is the initial retransmission timeout of control
	// segments.
	DefaultTimeoutInit = time.Second

	// DefaultRTOMax is the largest retransmission timeout.
	DefaultRTOMax = 120 * time.Second

	// DefaultCookieSecretLifetime is how long a SYN cookie secret is used
	// to make cookies. It keeps validating for one more lifetime.
	DefaultCookieSecretLifetime = 4 * syncookie.CounterPeriod

	// DefaultMSS is the MSS advertised when the route MTU is unknown.
	DefaultMSS = 1460

	// DefaultReceiveWindow is the receive window of new connections.
	DefaultReceiveWindow = 64 << 10

	// DefaultWindowScale is the window scale advertised in SYNs.
	DefaultWindowScale = 7

	// MaxBacklog is the largest accepted listen backlog.
	MaxBacklog = 4096

	// MaxUnprocessedSegments is the maximum number of bytes of segments
	// that can be deferred in the backlog of an owned endpoint.
	MaxUnprocessedSegments = 256 << 10

	// ownerRetryInterval is how long timers wait for the owner of an
	// endpoint to release it.
	ownerRetryInterval = 50 * time.Millisecond
)

// LinkWriter is the network layer below the protocol. Segments carry a TCP
// header with a correct checksum and the payload, no IP header.
type LinkWriter interface {
	WriteSegment(r *route.Handle, seg []byte) error
}

// Options configures a Protocol. Zero fields take their defaults.
type Options struct {
	// Clock drives every timer. Defaults to the system clock.
	Clock tcpip.Clock

	// Link receives produced segments. It is required.
	Link LinkWriter

	// Routes resolves routes of active connections. Without it Connect
	// fails with ErrNoRoute.
	Routes route.Resolver

	// Rand seeds hash keys and cookie secrets. Defaults to crypto/rand.
	Rand io.Reader

	// EphemeralFirst and EphemeralLast bound the ephemeral port range.
	EphemeralFirst uint16
	EphemeralLast  uint16

	// BindChains is the number of bind table chains.
	BindChains int

	// EstablishedBuckets is the number of established hash buckets,
	// rounded up to a power of two.
	EstablishedBuckets int

	// SynCookies enables the SYN cookie fallback when a listener's SYN
	// queue is full.
	SynCookies bool

	// SynAckRetries is the number of SYN-ACK retransmits for a half-open
	// connection.
	SynAckRetries int

	// SynRetries is the number of SYN retransmits of an active open.
	SynRetries int

	// Retries is the number of FIN retransmits of a closing connection.
	Retries int

	// TimeWaitTimeout is the lifetime of TIME_WAIT records.
	TimeWaitTimeout time.Duration

	// TimeWaitRecycle lets active connections reuse the 4-tuple of a
	// TIME_WAIT record regardless of its timestamp age.
	TimeWaitRecycle bool

	// RFC1337 makes TIME_WAIT records ignore RSTs.
	RFC1337 bool

	// ImmediateErrors delivers network errors by tearing the connection
	// down instead of recording a soft error.
	ImmediateErrors bool

	// AbortOnOverflow resets handshakes completing into a full accept
	// queue instead of dropping the final ACK.
	AbortOnOverflow bool

	// SynQueueInterval is the period of the protocol ticker.
	SynQueueInterval time.Duration

	// TimeoutInit is the initial control segment retransmission timeout.
	TimeoutInit time.Duration

	// RTOMax caps the retransmission timeout.
	RTOMax time.Duration

	// CookieSecretLifetime is the rotation period of the cookie secret.
	CookieSecretLifetime time.Duration

	// LingerTimeout is the FIN_WAIT_2 lifetime of orphaned connections.
	LingerTimeout time.Duration

	// MSS is advertised when the route carries no MTU.
	MSS uint16

	// ReceiveWindow is the receive buffer of new connections.
	ReceiveWindow int

	// WindowScale is advertised in SYNs; -1 disables window scaling.
	WindowScale int

	// DisableTimestamps and DisableSACK stop offering the options.
	DisableTimestamps bool
	DisableSACK       bool

	// SkipChecksumValidation disables verification of received
	// checksums.
	SkipChecksumValidation bool

	// ResetRate limits RSTs sent in reply to unmatched segments, per
	// second. 0 disables the limit.
	ResetRate float64
}

// DefaultOptions returns the default protocol options.
func DefaultOptions() Options {
	return Options{
		EphemeralFirst:       ports.DefaultFirstEphemeral,
		EphemeralLast:        ports.DefaultLastEphemeral,
		BindChains:           ports.DefaultChains,
		EstablishedBuckets:   DefaultEstablishedBuckets,
		SynCookies:           true,
		SynAckRetries:        DefaultSynAckRetries,
		SynRetries:           DefaultSynRetries,
		Retries:              DefaultRetries,
		TimeWaitTimeout:      DefaultTCPTimeWaitTimeout,
		SynQueueInterval:     DefaultSynQueueInterval,
		TimeoutInit:          DefaultTimeoutInit,
		RTOMax:               DefaultRTOMax,
		CookieSecretLifetime: DefaultCookieSecretLifetime,
		LingerTimeout:        DefaultTCPLingerTimeout,
		MSS:                  DefaultMSS,
		ReceiveWindow:        DefaultReceiveWindow,
		WindowScale:          DefaultWindowScale,
		ResetRate:            1000,
	}
}

func (o *Options) fillDefaults() {
	d := DefaultOptions()
	if o.EphemeralFirst == 0 && o.EphemeralLast == 0 {
		o.EphemeralFirst, o.EphemeralLast = d.EphemeralFirst, d.EphemeralLast
	}
	if o.BindChains <= 0 {
		o.BindChains = d.BindChains
	}
	if o.EstablishedBuckets <= 0 {
		o.EstablishedBuckets = d.EstablishedBuckets
	}
	if o.SynAckRetries <= 0 {
		o.SynAckRetries = d.SynAckRetries
	}
	if o.SynRetries <= 0 {
		o.SynRetries = d.SynRetries
	}
	if o.Retries <= 0 {
		o.Retries = d.Retries
	}
	if o.TimeWaitTimeout <= 0 {
		o.TimeWaitTimeout = d.TimeWaitTimeout
	}
	if o.SynQueueInterval <= 0 {
		o.SynQueueInterval = d.SynQueueInterval
	}
	if o.TimeoutInit <= 0 {
		o.TimeoutInit = d.TimeoutInit
	}
	if o.RTOMax <= 0 {
		o.RTOMax = d.RTOMax
	}
	if o.CookieSecretLifetime <= 0 {
		o.CookieSecretLifetime = d.CookieSecretLifetime
	}
	if o.LingerTimeout <= 0 {
		o.LingerTimeout = d.LingerTimeout
	}
	if o.MSS == 0 {
		o.MSS = d.MSS
	}
	if o.ReceiveWindow <= 0 {
		o.ReceiveWindow = d.ReceiveWindow
	}
	if o.WindowScale > header.TCPMaxWindowScale {
		o.WindowScale = header.TCPMaxWindowScale
	}
	if o.Clock == nil {
		o.Clock = tcpip.NewStdClock()
	}
	if o.Rand == nil {
		o.Rand = rand.Reader
	}
}

// Protocol is one TCP instance: its tables, timers and statistics. All state
// is reached through it; there are no package-level tables.
type Protocol struct {
	opts  Options
	clock tcpip.Clock
	link  LinkWriter
	stats tcpip.Stats

	ports     *ports.Manager
	ehash     *establishedTable
	listenTab listenTable
	twRing    timeWaitRing
	jar       *syncookie.Jar

	// isnSeed and tsSeed key the initial sequence number and timestamp
	// offset hashes.
	isnSeed uint64
	tsSeed  uint64

	// rto is the control segment retransmission schedule: rto[i] is the
	// timeout after the i-th transmission.
	rto []time.Duration

	rstLimiter *rate.Limiter
	floodLog   log.Logger

	listenersMu sync.Mutex
	// +checklocks:listenersMu
	listeners map[*Listener]struct{}

	tickMu sync.Mutex
	// +checklocks:tickMu
	ticker tcpip.Timer
	// +checklocks:tickMu
	closed bool
	// +checklocks:tickMu
	nextRotation tcpip.MonotonicTime

	ownerIDs atomic.Uint64
}

// NewProtocol returns a TCP protocol instance with every table initialized
// and its ticker running.
func NewProtocol(opts Options) (*Protocol, error) {
	opts.fillDefaults()
	if opts.Link == nil {
		return nil, fmt.Errorf("tcp: no link writer: %w", tcpip.ErrInvalidOptionValue)
	}

	var seeds [24]byte
	if _, err := io.ReadFull(opts.Rand, seeds[:]); err != nil {
		return nil, fmt.Errorf("tcp: reading seeds: %w", err)
	}
	jar, err := syncookie.NewJar(opts.Rand)
	if err != nil {
		return nil, fmt.Errorf("tcp: creating cookie secrets: %w", err)
	}

	p := &Protocol{
		opts:      opts,
		clock:     opts.Clock,
		link:      opts.Link,
		stats:     tcpip.Stats{}.FillIn(),
		ports:     ports.NewManager(opts.BindChains),
		ehash:     newEstablishedTable(opts.EstablishedBuckets, binary.LittleEndian.Uint64(seeds[0:])),
		jar:       jar,
		isnSeed:   binary.LittleEndian.Uint64(seeds[8:]),
		tsSeed:    binary.LittleEndian.Uint64(seeds[16:]),
		floodLog:  log.BasicRateLimitedLogger(time.Minute),
		listeners: make(map[*Listener]struct{}),
	}
	if err := p.ports.SetEphemeralRange(opts.EphemeralFirst, opts.EphemeralLast); err != nil {
		return nil, err
	}
	if opts.ResetRate > 0 {
		burst := int(opts.ResetRate)
		if burst < 1 {
			burst = 1
		}
		p.rstLimiter = rate.NewLimiter(rate.Limit(opts.ResetRate), burst)
	}
	p.rto = retransmitSchedule(opts.TimeoutInit, opts.RTOMax, max(opts.SynAckRetries, opts.SynRetries, opts.Retries)+1)

	now := p.clock.NowMonotonic()
	p.twRing.init(opts.TimeWaitTimeout/timeWaitSlots, now)
	p.tickMu.Lock()
	p.nextRotation = now.Add(opts.CookieSecretLifetime)
	p.ticker = p.clock.AfterFunc(p.tickDelay(now), p.tick)
	p.tickMu.Unlock()
	return p, nil
}

// retransmitSchedule returns the first n timeouts of a doubling backoff
// starting at initial and capped at maxRTO.
func retransmitSchedule(initial, maxRTO time.Duration, n int) []time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = maxRTO
	b.MaxElapsedTime = 0
	b.Reset()

	s := make([]time.Duration, n)
	for i := range s {
		s[i] = b.NextBackOff()
	}
	return s
}

// rtoFor returns the timeout following the transmission with the given
// number of retransmits.
func (p *Protocol) rtoFor(retransmits int) time.Duration {
	if retransmits >= len(p.rto) {
		return p.rto[len(p.rto)-1]
	}
	return p.rto[retransmits]
}

// Stats returns the protocol statistics.
func (p *Protocol) Stats() *tcpip.Stats {
	return &p.stats
}

// Ports returns the bind table.
func (p *Protocol) Ports() *ports.Manager {
	return p.ports
}

// Options returns the effective options.
func (p *Protocol) Options() Options {
	return p.opts
}

// RotateCookieSecret replaces the SYN cookie secret ahead of schedule.
func (p *Protocol) RotateCookieSecret() error {
	return p.jar.Rotate()
}

// tick is the protocol ticker. It sweeps SYN queues, advances the TIME_WAIT
// ring to now and rotates the cookie secret. It re-arms itself until Close.
func (p *Protocol) tick() {
	now := p.clock.NowMonotonic()

	p.tickMu.Lock()
	if p.closed {
		p.tickMu.Unlock()
		return
	}
	rotate := !now.Before(p.nextRotation)
	if rotate {
		p.nextRotation = now.Add(p.opts.CookieSecretLifetime)
	}
	p.tickMu.Unlock()

	p.sweepSynQueues(now)
	p.advanceTimeWait(now)
	if rotate {
		if err := p.jar.Rotate(); err != nil {
			log.Warningf("tcp: rotating cookie secret: %v", err)
		}
	}

	p.tickMu.Lock()
	if !p.closed {
		p.ticker.Reset(p.tickDelay(p.clock.NowMonotonic()))
	}
	p.tickMu.Unlock()
}

// tickDelay returns how long the ticker sleeps: one SYN queue interval, or
// less when a TIME_WAIT slot falls due sooner.
func (p *Protocol) tickDelay(now tcpip.MonotonicTime) time.Duration {
	d := p.opts.SynQueueInterval
	if w := p.twRing.nextAdvance().Sub(now); w < d {
		d = max(w, 0)
	}
	return d
}

// Close stops the protocol ticker and tears down every connection, listener
// and TIME_WAIT record. No segments are sent.
func (p *Protocol) Close() {
	p.tickMu.Lock()
	if p.closed {
		p.tickMu.Unlock()
		return
	}
	p.closed = true
	p.ticker.Stop()
	p.tickMu.Unlock()

	p.listenersMu.Lock()
	ls := make([]*Listener, 0, len(p.listeners))
	for l := range p.listeners {
		ls = append(ls, l)
	}
	p.listenersMu.Unlock()
	for _, l := range ls {
		l.Close()
	}

	eps, tws := p.ehash.all()
	for _, ep := range eps {
		ep.abort(tcpip.ErrConnectionAborted, false)
		ep.decRef()
	}
	for _, tw := range tws {
		p.killTimeWait(tw)
		tw.decRef()
	}
}

func (p *Protocol) newOwnerID() uint64 {
	return p.ownerIDs.Add(1)
}
