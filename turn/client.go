package turn

import (
	"crypto/tls"
	"net"
	"time"

	"github.com/pion/logging"
	"github.com/psi-plus/iceagent/icerr"
	"github.com/psi-plus/iceagent/stun"
)

// Client wraps an Allocation, owning either a shared UDP pool (supplied by
// the caller) or its own TCP/TLS stream connection to the TURN server
// (spec.md section 4.5, C5).
type Client struct {
	alloc *Allocation
	log   logging.LeveledLogger

	// streamConn is set only in TCP/TLS mode.
	streamConn net.Conn
	useTLS     bool
	serverAddr string

	creds    Credentials
	handlers Handlers

	mismatchRetries int
}

// NewUDPClient builds a Client that shares an existing UDP stun.Pool — the
// common case where the same socket also carries ordinary STUN Binding
// checks (spec.md section 4.5: "Wraps an Allocation over UDP ... when the
// caller supplies the pool").
func NewUDPClient(pool *stun.Pool, serverAddr net.Addr, creds Credentials, handlers Handlers, loggerFactory logging.LoggerFactory) *Client {
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Client{
		alloc:    NewAllocation(pool, serverAddr, creds, handlers, loggerFactory),
		log:      loggerFactory.NewLogger("turn"),
		creds:    creds,
		handlers: handlers,
	}
}

// NewStreamClient dials serverAddr over TCP (or TLS, if useTLS) and builds
// a Client framed over that byte stream (spec.md section 4.5: "TCP/TLS
// ... when the caller supplies an address").
func NewStreamClient(serverAddr string, useTLS bool, creds Credentials, handlers Handlers, loggerFactory logging.LoggerFactory) (*Client, error) {
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	c := &Client{
		log:        loggerFactory.NewLogger("turn"),
		useTLS:     useTLS,
		serverAddr: serverAddr,
		creds:      creds,
		handlers:   handlers,
	}
	if err := c.dial(loggerFactory); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) dial(loggerFactory logging.LoggerFactory) error {
	conn, err := net.DialTimeout("tcp", c.serverAddr, 10*time.Second)
	if err != nil {
		return icerr.New(icerr.Connect, err)
	}
	if c.useTLS {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: hostOnly(c.serverAddr)})
		if err := tlsConn.Handshake(); err != nil {
			_ = conn.Close()
			return icerr.New(icerr.Tls, err)
		}
		conn = tlsConn
	}
	c.streamConn = conn

	transport := &streamTransport{conn: conn}
	pool := stun.NewPool(transport, loggerFactory)
	c.alloc = NewAllocation(pool, conn.RemoteAddr(), c.creds, c.handlers, loggerFactory)
	go c.readStream(transport)
	return nil
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// streamTransport adapts a framed net.Conn to stun.Transport by
// length-prefixing nothing on write (STUN/ChannelData already carry their
// own length) and demultiplexing on read (see readStream).
type streamTransport struct {
	conn net.Conn
}

func (s *streamTransport) WriteTo(b []byte, _ net.Addr) (int, error) {
	return s.conn.Write(b)
}

// readStream reads length-delimited ChannelData or STUN message frames
// from the TCP/TLS stream and routes them to the allocation/pool (spec.md
// section 4.5: "TCP framing reads length-delimited ChannelData or
// StunMessage frames from a byte stream").
func (c *Client) readStream(t *streamTransport) {
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		n, err := t.conn.Read(tmp)
		if err != nil {
			c.log.Debugf("turn: stream closed: %v", err)
			return
		}
		buf = append(buf, tmp[:n]...)

		for {
			consumed, ok := c.consumeFrame(buf)
			if !ok {
				break
			}
			buf = buf[consumed:]
		}
	}
}

// consumeFrame attempts to parse one frame (ChannelData, padded to 4
// bytes, or a STUN message) from the head of buf, returning how many
// bytes it consumed.
func (c *Client) consumeFrame(buf []byte) (int, bool) {
	if len(buf) < 4 {
		return 0, false
	}
	if IsChannelData(buf) {
		length := int(buf[2])<<8 | int(buf[3])
		total := 4 + length
		if rem := total % 4; rem != 0 {
			total += 4 - rem
		}
		if len(buf) < total {
			return 0, false
		}
		c.alloc.HandleInbound(buf[:4+length])
		return total, true
	}

	length := int(buf[2])<<8 | int(buf[3])
	total := 20 + length
	if len(buf) < total {
		return 0, false
	}
	m, err := stun.Decode(buf[:total], stun.DecodeOptions{})
	if err == nil {
		if !c.alloc.pool.HandleInbound(m) {
			c.alloc.HandleInbound(buf[:total])
		}
	}
	return total, true
}

// Allocate is a thin pass-through, retrying the full connect cycle up to
// three times on a persistent Mismatch, TCP/TLS mode only (spec.md section
// 4.5: "On ErrorMismatch in TCP mode the client retries the full connect
// cycle up to three times before surfacing").
func (c *Client) Allocate() error {
	err := c.alloc.Allocate()
	if err == nil {
		return nil
	}
	if c.streamConn == nil || !icerr.Is(err, icerr.Mismatch) {
		return err
	}

	for c.mismatchRetries < 3 {
		c.mismatchRetries++
		_ = c.streamConn.Close()
		if dialErr := c.dial(logging.NewDefaultLoggerFactory()); dialErr != nil {
			return dialErr
		}
		err = c.alloc.Allocate()
		if err == nil {
			return nil
		}
		if !icerr.Is(err, icerr.Mismatch) {
			return err
		}
	}
	return icerr.New(icerr.Mismatch, err)
}

// Allocation exposes the underlying Allocation for callers that need the
// permission/channel/write API.
func (c *Client) Allocation() *Allocation { return c.alloc }

// Close tears down the allocation and, in stream mode, the connection.
func (c *Client) Close() {
	c.alloc.Stop()
	if c.streamConn != nil {
		_ = c.streamConn.Close()
	}
}
