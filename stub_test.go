package redispatch

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func contextT(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// stubNode is a minimal RESP server for tests. It parses array-of-bulk
// requests and answers from a scripted handler table, counting calls per
// verb so tests can assert on the exact I/O a code path performed.

// respSimple encodes as a +simple string reply.
type respSimple string

// respError encodes as a -error reply.
type respError string

// closeConn makes the stub drop the connection instead of replying.
type closeConn struct{}

type stubHandler func(args []string) interface{}

type stubNode struct {
	t  *testing.T
	ln net.Listener

	mu       sync.Mutex
	handlers map[string]stubHandler
	calls    map[string]int
	conns    []net.Conn
}

func newStubNode(t *testing.T) *stubNode {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &stubNode{
		t:        t,
		ln:       ln,
		handlers: make(map[string]stubHandler),
		calls:    make(map[string]int),
	}
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

func (s *stubNode) Addr() string {
	return s.ln.Addr().String()
}

// handle registers a reply for a verb ("GET") or verb+subcommand
// ("CLUSTER SLOTS"), matched case-insensitively.
func (s *stubNode) handle(cmd string, fn stubHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[strings.ToUpper(cmd)] = fn
}

// reply registers a fixed reply for a verb.
func (s *stubNode) reply(cmd string, v interface{}) {
	s.handle(cmd, func([]string) interface{} { return v })
}

// callCount returns how many times the verb (or verb+subcommand) was seen.
func (s *stubNode) callCount(cmd string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[strings.ToUpper(cmd)]
}

func (s *stubNode) Close() {
	s.ln.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func (s *stubNode) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		go s.serveConn(conn)
	}
}

func (s *stubNode) serveConn(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	for {
		args, err := readCommand(r)
		if err != nil {
			return
		}
		rep := s.dispatchCmd(args)
		if _, ok := rep.(closeConn); ok {
			return
		}
		if err := respEncode(w, rep); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (s *stubNode) dispatchCmd(args []string) interface{} {
	verb := strings.ToUpper(args[0])
	s.mu.Lock()
	s.calls[verb]++
	var h stubHandler
	if len(args) > 1 {
		full := verb + " " + strings.ToUpper(args[1])
		s.calls[full]++
		h = s.handlers[full]
	}
	if h == nil {
		h = s.handlers[verb]
	}
	s.mu.Unlock()
	if h != nil {
		return h(args)
	}
	if verb == "PING" {
		return respSimple("PONG")
	}
	return respError("ERR unknown command '" + args[0] + "'")
}

// readCommand parses one array-of-bulk-strings request.
func readCommand(r *bufio.Reader) ([]string, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	if len(line) == 0 || line[0] != '*' {
		return nil, fmt.Errorf("bad request line %q", line)
	}
	n, err := strconv.Atoi(line[1:])
	if err != nil || n < 1 {
		return nil, fmt.Errorf("bad array header %q", line)
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		hdr, err := readLine(r)
		if err != nil {
			return nil, err
		}
		if len(hdr) == 0 || hdr[0] != '$' {
			return nil, fmt.Errorf("bad bulk header %q", hdr)
		}
		size, err := strconv.Atoi(hdr[1:])
		if err != nil || size < 0 {
			return nil, fmt.Errorf("bad bulk size %q", hdr)
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func respEncode(w *bufio.Writer, v interface{}) error {
	switch x := v.(type) {
	case nil:
		_, err := w.WriteString("$-1\r\n")
		return err
	case respSimple:
		_, err := w.WriteString("+" + string(x) + "\r\n")
		return err
	case respError:
		_, err := w.WriteString("-" + string(x) + "\r\n")
		return err
	case string:
		_, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(x), x)
		return err
	case []byte:
		_, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(x), x)
		return err
	case int:
		_, err := fmt.Fprintf(w, ":%d\r\n", x)
		return err
	case int64:
		_, err := fmt.Fprintf(w, ":%d\r\n", x)
		return err
	case []interface{}:
		if _, err := fmt.Fprintf(w, "*%d\r\n", len(x)); err != nil {
			return err
		}
		for _, e := range x {
			if err := respEncode(w, e); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("stub cannot encode %T", v)
	}
}

// slotsEntry builds one CLUSTER SLOTS range entry owned by addr.
func slotsEntry(start, end int, addr string) interface{} {
	host, port, err := splitHostPort(addr)
	if err != nil {
		panic(err)
	}
	return []interface{}{start, end, []interface{}{host, port, "0123456789abcdef0123456789abcdef01234567"}}
}

// slotsAll builds a CLUSTER SLOTS reply with every slot owned by addr.
func slotsAll(addr string) []interface{} {
	return []interface{}{slotsEntry(0, TotalSlots-1, addr)}
}

func testConfig(t *testing.T, seeds ...string) *Config {
	t.Helper()
	cfg := &Config{PoolSize: 2}
	for _, seed := range seeds {
		host, port, err := splitHostPort(seed)
		require.NoError(t, err)
		cfg.ClusterNodes = append(cfg.ClusterNodes, NodeAddress{Host: host, Port: port})
	}
	cfg.SocketOpts.ConnectTimeout.Duration = 500 * time.Millisecond
	cfg.SocketOpts.ReadTimeout.Duration = time.Second
	cfg.SocketOpts.WriteTimeout.Duration = time.Second
	cfg.BackoffInitial.Duration = 10 * time.Millisecond
	cfg.BackoffMax.Duration = 100 * time.Millisecond
	cfg.RefreshTimeout.Duration = time.Second
	return cfg
}

func newTestClient(t *testing.T, cfg *Config) *Client {
	t.Helper()
	c, err := New(contextT(t), cfg, NewDiscardLogger())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}
