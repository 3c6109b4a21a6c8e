// Package wire is the controller's fire-and-forget messaging helper. It
// opens (or reuses) a length-prefixed TCP connection per destination
// address and enqueues a payload; delivery is not guaranteed, matching
// spec.md §4.2. The framing — a 4-byte big-endian length prefix followed
// by a gob-encoded payload — mirrors the length-prefixed framing the
// teacher's kubernetes.Client uses over its agent connections, generalized
// from a single fixed backend to an arbitrary tcp:// address.
package wire

import (
	"bufio"
	"bytes"
	"container/list"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hydro-project/cluster/internal/logging"
)

// ErrTimeout is returned by Receive when no message arrives before the
// deadline.
var ErrTimeout = errors.New("wire: receive timeout")

// defaultCacheSize bounds the number of cached outbound connections so
// membership churn cannot grow the cache without limit (see DESIGN.md,
// the teacher's own grpcConns cache is unbounded and flagged for this
// exact reason in spec.md §9).
const defaultCacheSize = 512

type cachedConn struct {
	addr string
	conn net.Conn
	w    *bufio.Writer
}

// Sender caches outbound connections and sends gob-encoded payloads to
// tcp:// addresses. A Sender is safe for concurrent use.
type Sender struct {
	mu       sync.Mutex
	conns    map[string]*list.Element
	order    *list.List // most-recently-used at the back
	maxConns int
}

// NewSender returns a Sender with the default connection-cache size.
func NewSender() *Sender {
	return &Sender{
		conns:    make(map[string]*list.Element),
		order:    list.New(),
		maxConns: defaultCacheSize,
	}
}

// Send encodes payload with encoding/gob and writes it, length-prefixed,
// to the cached (or newly dialed) connection for address. Failures are
// transient messaging errors per spec.md §7: Send returns the error (a
// failed write is also logged and its connection evicted), and callers
// must treat any error as "drop and continue", never as fatal.
func (s *Sender) Send(address string, payload any) error {
	network, target, err := parseAddress(address)
	if err != nil {
		return err
	}

	buf, err := encode(payload)
	if err != nil {
		return fmt.Errorf("wire: encode payload for %s: %w", address, err)
	}

	conn, err := s.getConn(network, target)
	if err != nil {
		return fmt.Errorf("wire: dial %s: %w", address, err)
	}

	s.mu.Lock()
	err = writeFrame(conn.w, buf)
	s.mu.Unlock()
	if err != nil {
		s.evict(target)
		logging.Op().Warn("wire: send failed, connection dropped", "address", address, "error", err)
		return err
	}
	return nil
}

// Request opens a dedicated connection (bypassing the shared cache),
// writes payload, and blocks reading a single framed reply into out. Used
// only by the hash-ring reconciler's synchronous routing-seed round trip
// (spec.md §4.5/§5), which relies on connection reachability rather than
// an explicit timeout — callers that need a bound should wrap the call
// with their own context deadline on conn, as the scaler's pin path does
// via the shared Listener instead.
func (s *Sender) Request(address string, payload any, out any) error {
	network, target, err := parseAddress(address)
	if err != nil {
		return err
	}
	buf, err := encode(payload)
	if err != nil {
		return fmt.Errorf("wire: encode request payload for %s: %w", address, err)
	}

	conn, err := net.Dial(network, target)
	if err != nil {
		return fmt.Errorf("wire: dial %s: %w", address, err)
	}
	defer conn.Close()

	w := bufio.NewWriter(conn)
	if err := writeFrame(w, buf); err != nil {
		return fmt.Errorf("wire: write request to %s: %w", address, err)
	}

	reply, err := readFrame(bufio.NewReader(conn))
	if err != nil {
		return fmt.Errorf("wire: read reply from %s: %w", address, err)
	}
	return decode(reply, out)
}

func (s *Sender) getConn(network, target string) (*cachedConn, error) {
	s.mu.Lock()
	if el, ok := s.conns[target]; ok {
		s.order.MoveToBack(el)
		cc := el.Value.(*cachedConn)
		s.mu.Unlock()
		return cc, nil
	}
	s.mu.Unlock()

	conn, err := net.DialTimeout(network, target, 5*time.Second)
	if err != nil {
		return nil, err
	}
	cc := &cachedConn{addr: target, conn: conn, w: bufio.NewWriter(conn)}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.conns[target]; ok {
		// Lost the race with a concurrent dial; keep the one already cached.
		conn.Close()
		s.order.MoveToBack(existing)
		return existing.Value.(*cachedConn), nil
	}
	el := s.order.PushBack(cc)
	s.conns[target] = el
	s.evictOldestLocked()
	return cc, nil
}

func (s *Sender) evictOldestLocked() {
	for len(s.conns) > s.maxConns {
		front := s.order.Front()
		if front == nil {
			return
		}
		cc := front.Value.(*cachedConn)
		cc.conn.Close()
		delete(s.conns, cc.addr)
		s.order.Remove(front)
	}
}

func (s *Sender) evict(hostport string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.conns[hostport]; ok {
		el.Value.(*cachedConn).conn.Close()
		delete(s.conns, hostport)
		s.order.Remove(el)
	}
}

// Close closes every cached connection.
func (s *Sender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, el := range s.conns {
		el.Value.(*cachedConn).conn.Close()
	}
	s.conns = make(map[string]*list.Element)
	s.order = list.New()
}

// Listener accepts length-prefixed gob frames on a single bound port —
// used by the scaler's pin-accept endpoint (spec.md §4.3).
type Listener struct {
	ln net.Listener
}

// Listen binds addr (host:port, no scheme) and returns a Listener.
func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln}, nil
}

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }

// Accept blocks for a single inbound connection with no deadline.
func (l *Listener) Accept() (net.Conn, error) {
	return l.ln.Accept()
}

// ReadMessage decodes a single length-prefixed gob frame from conn into out.
func ReadMessage(conn net.Conn, out any) error {
	frame, err := readFrame(bufio.NewReader(conn))
	if err != nil {
		return err
	}
	return decode(frame, out)
}

// WriteMessage encodes payload and writes it, length-prefixed, to conn.
func WriteMessage(conn net.Conn, payload any) error {
	buf, err := encode(payload)
	if err != nil {
		return err
	}
	return writeFrame(bufio.NewWriter(conn), buf)
}

// Receive blocks for up to timeout for a single framed gob message and
// decodes it into out. Returns ErrTimeout if nothing arrives in time.
func (l *Listener) Receive(out any, timeout time.Duration) error {
	if err := l.ln.(*net.TCPListener).SetDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	conn, err := l.ln.Accept()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return ErrTimeout
		}
		return err
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	frame, err := readFrame(bufio.NewReader(conn))
	if err != nil {
		return err
	}
	return decode(frame, out)
}

func writeFrame(w *bufio.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return w.Flush()
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte, out any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(out)
}

// parseAddress splits a scheme://target address into the net.Dial network
// and target. "tcp://host:port" dials TCP; "unix:///path/to.sock" dials a
// Unix domain socket, used for the local VM-churn IPC endpoints (spec.md
// §6's node_add/node_remove).
func parseAddress(address string) (network, target string, err error) {
	if !strings.Contains(address, "://") {
		return "tcp", address, nil
	}
	u, parseErr := url.Parse(address)
	if parseErr != nil {
		return "", "", fmt.Errorf("wire: parse address %q: %w", address, parseErr)
	}
	switch u.Scheme {
	case "unix":
		return "unix", u.Path, nil
	case "tcp", "":
		return "tcp", u.Host, nil
	default:
		return "", "", fmt.Errorf("wire: unsupported scheme %q in %q", u.Scheme, address)
	}
}
