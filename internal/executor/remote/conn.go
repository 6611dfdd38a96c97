package remote

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mdlayher/vsock"
)

// DefaultPort is the vsock port a worker listens on when none is given.
const DefaultPort = 5222

// Retry defaults for connection establishment.
const (
	dialMaxRetries  = 5
	dialBaseBackoff = 100 * time.Millisecond
)

// ErrWorkerUnavailable reports that no usable connection to the worker
// could be established or kept.
var ErrWorkerUnavailable = errors.New("worker unavailable")

// Address is a parsed worker address.
//
//	tcp://host:port
//	unix:///path/to/socket
//	vsock://cid:port         (AF_VSOCK)
//	hvsock:///path?port=N    (Firecracker hybrid vsock over a Unix socket)
type Address struct {
	Scheme string
	Host   string
	Path   string
	CID    uint32
	Port   uint32
}

// ParseAddress parses a worker address.
func ParseAddress(raw string) (Address, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Address{}, fmt.Errorf("parse worker address %q: %w", raw, err)
	}
	addr := Address{Scheme: strings.ToLower(u.Scheme)}
	switch addr.Scheme {
	case "tcp":
		if u.Host == "" {
			return Address{}, fmt.Errorf("worker address %q has no host", raw)
		}
		addr.Host = u.Host
	case "unix":
		if u.Path == "" {
			return Address{}, fmt.Errorf("worker address %q has no socket path", raw)
		}
		addr.Path = u.Path
	case "vsock":
		port := u.Port()
		if port == "" {
			port = strconv.Itoa(DefaultPort)
		}
		if addr.Port, err = parseUint32(port); err != nil {
			return Address{}, fmt.Errorf("worker address %q: port: %w", raw, err)
		}
		switch host := u.Hostname(); host {
		case "", "any":
			addr.CID = vsock.Host
		default:
			if addr.CID, err = parseUint32(host); err != nil {
				return Address{}, fmt.Errorf("worker address %q: context id: %w", raw, err)
			}
		}
	case "hvsock":
		if u.Path == "" {
			return Address{}, fmt.Errorf("worker address %q has no socket path", raw)
		}
		addr.Path = u.Path
		port := u.Query().Get("port")
		if port == "" {
			port = strconv.Itoa(DefaultPort)
		}
		if addr.Port, err = parseUint32(port); err != nil {
			return Address{}, fmt.Errorf("worker address %q: port: %w", raw, err)
		}
	default:
		return Address{}, fmt.Errorf("worker address %q: unsupported scheme %q", raw, u.Scheme)
	}
	return addr, nil
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	return uint32(v), err
}

// Conn is a connection to a worker agent. Each Conn carries one run and is
// used by a single goroutine, apart from Close.
type Conn struct {
	conn   net.Conn
	reader io.Reader // buffered reader preserving any bytes read ahead during handshake
}

// Dial connects to the worker at addr, retrying with exponential backoff.
func Dial(ctx context.Context, addr Address) (*Conn, error) {
	var lastErr error
	backoff := dialBaseBackoff
	start := time.Now()

	for attempt := range dialMaxRetries {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial worker: %w", ctx.Err())
		default:
		}

		c, err := dialOnce(ctx, addr)
		if err != nil {
			lastErr = err
			if attempt < dialMaxRetries-1 {
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return nil, fmt.Errorf("dial worker: %w", ctx.Err())
				}
				backoff *= 2
			}
			continue
		}
		dialDuration.Observe(time.Since(start).Seconds())
		return c, nil
	}

	dialFailuresTotal.Inc()
	return nil, fmt.Errorf("dial worker after %d attempts: %w: %w", dialMaxRetries, ErrWorkerUnavailable, lastErr)
}

func dialOnce(ctx context.Context, addr Address) (*Conn, error) {
	var dialer net.Dialer
	switch addr.Scheme {
	case "tcp":
		conn, err := dialer.DialContext(ctx, "tcp", addr.Host)
		if err != nil {
			return nil, err
		}
		return &Conn{conn: conn, reader: conn}, nil
	case "unix":
		conn, err := dialer.DialContext(ctx, "unix", addr.Path)
		if err != nil {
			return nil, err
		}
		return &Conn{conn: conn, reader: conn}, nil
	case "vsock":
		conn, err := vsock.Dial(addr.CID, addr.Port, nil)
		if err != nil {
			return nil, err
		}
		return &Conn{conn: conn, reader: conn}, nil
	case "hvsock":
		return dialHybrid(ctx, addr.Path, addr.Port)
	}
	return nil, fmt.Errorf("unsupported scheme %q", addr.Scheme)
}

// dialHybrid connects to Firecracker's vsock Unix socket and sends the
// CONNECT handshake, which Firecracker bridges to the guest's vsock
// listener. Protocol: send "CONNECT <port>\n", receive "OK <host_port>\n".
func dialHybrid(ctx context.Context, udsPath string, port uint32) (*Conn, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", udsPath)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", udsPath, err)
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	// Keep the buffered reader for all subsequent reads so bytes read
	// ahead are not lost.
	reader := bufio.NewReader(conn)
	response, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	response = strings.TrimSpace(response)
	if !strings.HasPrefix(response, "OK ") {
		conn.Close()
		return nil, fmt.Errorf("vsock CONNECT failed: %s", response)
	}
	return &Conn{conn: conn, reader: reader}, nil
}

// Run sends req and reads streamed log lines until the final result. Each
// line is passed to onLine as it arrives.
func (c *Conn) Run(req Request, onLine func(stream, line string)) (Response, error) {
	if err := WriteMessage(c.conn, &req); err != nil {
		return Response{}, fmt.Errorf("send request: %w", err)
	}
	for {
		var msg Message
		if err := ReadMessage(c.reader, &msg); err != nil {
			return Response{}, fmt.Errorf("read worker message: %w", err)
		}

		switch msg.Type {
		case MsgTypeLog:
			if onLine != nil {
				onLine(msg.Stream, msg.Line)
			}
		case MsgTypeResult:
			if msg.Response == nil {
				return Response{}, errors.New("received result message with nil response")
			}
			return *msg.Response, nil
		default:
			return Response{}, fmt.Errorf("unknown message type: %q", msg.Type)
		}
	}
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// Listen opens a listener for a worker agent. hvsock addresses cannot be
// listened on; inside a Firecracker guest the agent listens on plain vsock.
func Listen(addr Address) (net.Listener, error) {
	switch addr.Scheme {
	case "tcp":
		return net.Listen("tcp", addr.Host)
	case "unix":
		return net.Listen("unix", addr.Path)
	case "vsock":
		return vsock.Listen(addr.Port, nil)
	}
	return nil, fmt.Errorf("cannot listen on %s addresses", addr.Scheme)
}
