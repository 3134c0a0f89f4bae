// Package peerlink provides the direct hop-to-hop transport that carries
// circuit_data frames (spec §6: "peer-link" direction), as distinct from the
// signaling bus's broadcast/unicast control traffic, which also carries
// establishment records and their confirmations.
//
// Grounded on link.Handshake's dial-then-deadline shape: a TCP dial with a
// connect timeout, a TLS handshake under its own deadline, then a cleared
// deadline once the link is ready for steady-state use. Trimmed of the
// Tor-specific VERSIONS/CERTS/AUTH_CHALLENGE/NETINFO negotiation, since
// this transport has no separate link-layer identity step — hop identity
// is established by the establishment record's encryption under the hop's
// announced long-term key, not by the transport handshake.
package peerlink

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/onionmesh/circuitcore/wireframe"
)

const dialTimeout = 10 * time.Second

// Link is an established, bidirectional connection to one hop.
type Link interface {
	Reader() *wireframe.Reader
	Writer() *wireframe.Writer
	SetDeadline(t time.Time) error
	Close() error
	RemoteAddr() string
}

// TLSLink is the reference Link implementation: TLS over TCP, framed with
// wireframe's length-prefixed JSON codec.
type TLSLink struct {
	conn *tls.Conn
	r    *wireframe.Reader
	w    *wireframe.Writer
	addr string
}

// Dial opens a TLSLink to addr. Identity is not verified via the TLS PKI —
// callers authenticate the remote hop out-of-band by encrypting the
// establishment record under its announced long-term public key, the same
// posture link.Handshake takes toward Tor relays' self-signed certs.
func Dial(addr string, logger *slog.Logger) (*TLSLink, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Debug("dialing peer link", "addr", addr)
	tcpConn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("peer link dial: %w", err)
	}

	tlsConfig := &tls.Config{
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
	}
	tlsConn := tls.Client(tcpConn, tlsConfig)

	if err := tlsConn.SetDeadline(time.Now().Add(dialTimeout)); err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("peer link set handshake deadline: %w", err)
	}
	if err := tlsConn.Handshake(); err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("peer link tls handshake: %w", err)
	}
	if err := tlsConn.SetDeadline(time.Time{}); err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("peer link clear deadline: %w", err)
	}

	logger.Debug("peer link established", "addr", addr)
	return &TLSLink{
		conn: tlsConn,
		r:    wireframe.NewReader(tlsConn),
		w:    wireframe.NewWriter(tlsConn),
		addr: addr,
	}, nil
}

// Accept wraps an already-accepted server-side TLS connection as a Link.
func Accept(conn *tls.Conn) *TLSLink {
	return &TLSLink{
		conn: conn,
		r:    wireframe.NewReader(conn),
		w:    wireframe.NewWriter(conn),
		addr: conn.RemoteAddr().String(),
	}
}

func (l *TLSLink) Reader() *wireframe.Reader { return l.r }
func (l *TLSLink) Writer() *wireframe.Writer { return l.w }

func (l *TLSLink) SetDeadline(t time.Time) error {
	return l.conn.SetDeadline(t)
}

func (l *TLSLink) Close() error {
	return l.conn.Close()
}

func (l *TLSLink) RemoteAddr() string {
	return l.addr
}
