package webrtc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/sdp/v3"
)

const maxPortAttempts = 32

// keyframeBurst is when a tap asks video publishers for keyframes after it
// opens, measured from open. The reader binds its ports some time after.
var keyframeBurst = []time.Duration{
	0,
	250 * time.Millisecond,
	time.Second,
	2 * time.Second,
	4 * time.Second,
}

type tapSink struct {
	producer *producer
	sink     *sink
	port     int
}

// tap is a session description file plus one UDP sink per producer.
type tap struct {
	path  string
	sinks []tapSink
	stop  chan struct{}
	once  sync.Once
}

var _ ports.Tap = (*tap)(nil)

func (t *tap) URL() string { return t.path }

func (t *tap) Close() error {
	var errs []error
	t.once.Do(func() {
		close(t.stop)
		for _, ts := range t.sinks {
			ts.producer.detach(ts.sink)
			if err := ts.sink.conn.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if t.path == "" {
			return
		}
		if err := os.Remove(t.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}

// OpenTap exposes the given producers as plain RTP on local ports described
// by an SDP file. URL returns the file path, usable as an encoder input.
func (e *Engine) OpenTap(ctx context.Context, producerIDs []domain.ProducerID) (ports.Tap, error) {
	if len(producerIDs) == 0 {
		return nil, domain.ErrNoMedia
	}

	producers := make([]*producer, 0, len(producerIDs))
	for _, id := range producerIDs {
		p := e.producer(id)
		if p == nil {
			return nil, fmt.Errorf("open tap: %w", domain.ErrProducerNotFound)
		}
		producers = append(producers, p)
	}

	t := &tap{stop: make(chan struct{})}
	fail := func(err error) (ports.Tap, error) {
		_ = t.Close()
		return nil, err
	}

	for _, p := range producers {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		port, err := reservePortPair(e.cfg.TapHost)
		if err != nil {
			return fail(domain.NewEngineError("open tap", err))
		}
		conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.ParseIP(e.cfg.TapHost), Port: port})
		if err != nil {
			return fail(domain.NewEngineError("open tap", err))
		}
		s := &sink{conn: conn, pt: uint8(p.codec.params.PayloadType), mimeType: p.codec.params.MimeType}
		t.sinks = append(t.sinks, tapSink{producer: p, sink: s, port: port})
		if !p.attach(s) {
			return fail(fmt.Errorf("open tap: %w", domain.ErrProducerNotFound))
		}
	}

	body, err := tapSessionDescription(e.cfg.TapHost, t.sinks)
	if err != nil {
		return fail(domain.NewEngineError("open tap", err))
	}

	dir := e.cfg.TapDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fail(domain.NewEngineError("open tap", err))
	}
	t.path = filepath.Join(dir, "roomcast-tap-"+uuid.NewString()+".sdp")
	if err := os.WriteFile(t.path, body, 0o600); err != nil {
		return fail(domain.NewEngineError("open tap", err))
	}

	go t.requestKeyframes()

	e.logger.Infow("media tap opened", "path", t.path, "producers", len(t.sinks))
	return t, nil
}

func (t *tap) requestKeyframes() {
	start := time.Now()
	for _, at := range keyframeBurst {
		wait := time.Until(start.Add(at))
		timer := time.NewTimer(wait)
		select {
		case <-t.stop:
			timer.Stop()
			return
		case <-timer.C:
		}
		for _, ts := range t.sinks {
			ts.producer.requestKeyframe()
		}
	}
}

func tapSessionDescription(host string, sinks []tapSink) ([]byte, error) {
	addrType := "IP4"
	if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		addrType = "IP6"
	}

	now := uint64(time.Now().UnixNano())
	sd := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      now,
			SessionVersion: now,
			NetworkType:    "IN",
			AddressType:    addrType,
			UnicastAddress: host,
		},
		SessionName: "roomcast",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addrType,
			Address:     &sdp.Address{Address: host},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
	}

	for _, ts := range sinks {
		c := ts.producer.codec.params
		md := &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:   string(ts.producer.kind),
				Port:    sdp.RangedPort{Value: ts.port},
				Protos:  []string{"RTP", "AVP"},
				Formats: []string{},
			},
		}
		md.WithCodec(uint8(c.PayloadType), encodingName(c.MimeType), c.ClockRate, c.Channels, c.SDPFmtpLine)
		md.WithValueAttribute("rtcp", strconv.Itoa(ts.port+1))
		md.WithPropertyAttribute("recvonly")
		sd.WithMedia(md)
	}
	return sd.Marshal()
}

// reservePortPair finds an even port whose odd neighbour is also free, the
// layout RTP readers expect for RTP and RTCP. The ports are released before
// returning so the reader can bind them.
func reservePortPair(host string) (int, error) {
	ip := net.ParseIP(host)
	for i := 0; i < maxPortAttempts; i++ {
		rtpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip})
		if err != nil {
			return 0, err
		}
		port := rtpConn.LocalAddr().(*net.UDPAddr).Port
		if port%2 != 0 || port+1 > 65535 {
			_ = rtpConn.Close()
			continue
		}
		rtcpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: port + 1})
		_ = rtpConn.Close()
		if err != nil {
			continue
		}
		_ = rtcpConn.Close()
		return port, nil
	}
	return 0, fmt.Errorf("no free rtp port pair on %s after %d attempts", host, maxPortAttempts)
}
