package cfw

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ErrParse indicates a malformed request or CONNECT line; the connection is
// answered with 400 and closed.
var ErrParse = errors.New("malformed request")

// errBlocked terminates a relay when a buffer receives a block verdict.
var errBlocked = errors.New("connection blocked by policy")

// Inspector runs the inspection pipeline over one buffer. Both *Pipeline
// and *ReloadablePipeline satisfy it.
type Inspector interface {
	Inspect(data []byte, meta *ConnMeta) []Detection
}

// Relay accepts client connections, performs protocol framing and TLS
// interception, and forwards buffers between client and origin after each
// one clears the inspection pipeline.
type Relay struct {
	// Addr is the listen address (e.g. ":8080").
	Addr string

	// Certs issues leaf certificates for TLS termination.
	Certs *CertManager

	// Pipeline inspects every relayed buffer.
	Pipeline Inspector

	// Policy decides how flagged buffers are handled.
	Policy *PolicyEngine

	// Tracker enforces the connection cap and exposes the active set.
	Tracker *ConnTracker

	// FlowLog records one entry per connection (optional).
	FlowLog *FlowLogger

	// Metrics collects Prometheus metrics (optional).
	Metrics *Metrics

	// Logger for relay events.
	Logger *slog.Logger

	// ReadTimeout bounds each socket read; an idle connection exceeding it
	// is terminated. Defaults to 30 seconds.
	ReadTimeout time.Duration

	// DialTimeout bounds origin connection establishment. Defaults to 10
	// seconds.
	DialTimeout time.Duration

	// BufferSize is the relay read buffer size. Defaults to 4096.
	BufferSize int

	// InsecureSkipOriginVerify disables origin certificate verification.
	// Intended for tests against self-signed origins.
	InsecureSkipOriginVerify bool

	listener net.Listener
	wg       sync.WaitGroup

	mu     sync.Mutex
	active map[net.Conn]struct{}
	closed bool
}

// NewRelay creates a relay with default timeouts and a 1000-connection cap.
func NewRelay(addr string, certs *CertManager, pipeline Inspector, policy *PolicyEngine) *Relay {
	return &Relay{
		Addr:        addr,
		Certs:       certs,
		Pipeline:    pipeline,
		Policy:      policy,
		Tracker:     NewConnTracker(0),
		Logger:      slog.Default(),
		ReadTimeout: 30 * time.Second,
		DialTimeout: 10 * time.Second,
		BufferSize:  4096,
		active:      make(map[net.Conn]struct{}),
	}
}

// ListenAndServe starts accepting connections. It returns nil after
// Shutdown, or the listener error otherwise.
func (r *Relay) ListenAndServe() error {
	listener, err := net.Listen("tcp", r.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = listener.Close()
		return nil
	}
	r.listener = listener
	r.mu.Unlock()

	r.Logger.Info("relay listening", "addr", r.Addr)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if r.isClosed() {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		tracked, err := r.Tracker.Add(conn.RemoteAddr().String())
		if err != nil {
			// Cap reached: close immediately, no Connection created.
			_ = conn.Close()
			if r.Metrics != nil {
				r.Metrics.RecordConnRejected()
			}
			continue
		}

		r.wg.Add(1)
		go r.handleConn(conn, tracked)
	}
}

// Shutdown stops the listener, force-closes active connections, and waits
// for workers to finish or the context to expire.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	listener := r.listener
	conns := make([]net.Conn, 0, len(r.active))
	for c := range r.active {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	if listener != nil {
		_ = listener.Close()
	}
	for _, c := range conns {
		_ = c.Close()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenAddr returns the bound listener address, or nil before
// ListenAndServe.
func (r *Relay) ListenAddr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

func (r *Relay) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Relay) track(conn net.Conn) {
	r.mu.Lock()
	r.active[conn] = struct{}{}
	r.mu.Unlock()
}

func (r *Relay) untrack(conn net.Conn) {
	r.mu.Lock()
	delete(r.active, conn)
	r.mu.Unlock()
}

// handleConn drives one connection through its lifecycle: first-buffer
// parse, tunnel or direct relay, then teardown.
func (r *Relay) handleConn(conn net.Conn, c *Connection) {
	start := time.Now()
	entry := FlowEntry{
		ConnID:     c.ID,
		ClientAddr: c.ClientAddr,
	}

	r.track(conn)
	if r.Metrics != nil {
		r.Metrics.IncActiveConns()
	}

	defer func() {
		_ = conn.Close()
		r.untrack(conn)
		r.Tracker.Remove(c.ID)
		if r.Metrics != nil {
			r.Metrics.DecActiveConns()
		}

		entry.Host = c.Host
		entry.Port = c.Port
		entry.Protocol = c.Protocol
		entry.Duration = time.Since(start)
		if r.FlowLog != nil {
			r.FlowLog.Log(entry)
		}
	}()

	buf := make([]byte, r.bufferSize())
	_ = conn.SetReadDeadline(time.Now().Add(r.readTimeout()))
	n, err := conn.Read(buf)
	if err != nil {
		entry.Error = err.Error()
		return
	}
	first := buf[:n]

	req, err := parseFirstBuffer(first)
	if err != nil {
		r.Logger.Debug("request parse failed", "client", c.ClientAddr, "error", err)
		r.writeError(conn, http.StatusBadRequest, err.Error())
		entry.Error = err.Error()
		return
	}

	c.Host = req.host
	c.Port = req.port

	if req.isConnect {
		c.Protocol = "https"
		if r.Metrics != nil {
			r.Metrics.RecordConn("https")
		}
		err = r.handleConnect(conn, c, &entry)
	} else {
		c.Protocol = "http"
		if r.Metrics != nil {
			r.Metrics.RecordConn("http")
		}
		err = r.handleHTTP(conn, c, first, &entry)
	}
	if err != nil && !errors.Is(err, errBlocked) {
		entry.Error = err.Error()
	}
}

// parsedRequest is the outcome of framing the first client buffer.
type parsedRequest struct {
	isConnect bool
	host      string
	port      string
}

var httpMethods = []string{"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS", "TRACE"}

// parseFirstBuffer classifies the first buffer as a CONNECT or a plain HTTP
// request and resolves the target host and port. Anything else is ErrParse.
func parseFirstBuffer(data []byte) (*parsedRequest, error) {
	lineEnd := bytes.Index(data, []byte("\r\n"))
	if lineEnd < 0 {
		lineEnd = len(data)
	}
	fields := strings.Fields(string(data[:lineEnd]))
	if len(fields) < 3 {
		return nil, fmt.Errorf("%w: short request line", ErrParse)
	}
	method, target, version := fields[0], fields[1], fields[2]
	if !strings.HasPrefix(version, "HTTP/1.") {
		return nil, fmt.Errorf("%w: unsupported version %q", ErrParse, version)
	}

	if method == http.MethodConnect {
		host, port, err := splitTarget(target, "443")
		if err != nil {
			return nil, fmt.Errorf("%w: bad CONNECT target %q", ErrParse, target)
		}
		return &parsedRequest{isConnect: true, host: host, port: port}, nil
	}

	known := false
	for _, m := range httpMethods {
		if method == m {
			known = true
			break
		}
	}
	if !known {
		return nil, fmt.Errorf("%w: unknown method %q", ErrParse, method)
	}

	// Proxy-style absolute URI carries the target itself; otherwise the
	// Host header decides.
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		u, err := url.Parse(target)
		if err == nil && u.Host != "" {
			host, port, splitErr := splitTarget(u.Host, "80")
			if splitErr == nil {
				return &parsedRequest{host: host, port: port}, nil
			}
		}
	}

	host := findHostHeader(data)
	if host == "" {
		return nil, fmt.Errorf("%w: missing Host header", ErrParse)
	}
	h, port, err := splitTarget(host, "80")
	if err != nil {
		return nil, fmt.Errorf("%w: bad Host header %q", ErrParse, host)
	}

	return &parsedRequest{host: h, port: port}, nil
}

func splitTarget(target, defaultPort string) (host, port string, err error) {
	if !strings.Contains(target, ":") {
		if target == "" {
			return "", "", fmt.Errorf("empty target")
		}
		return target, defaultPort, nil
	}
	host, port, err = net.SplitHostPort(target)
	if err != nil || host == "" {
		return "", "", fmt.Errorf("bad target %q", target)
	}
	return host, port, nil
}

func findHostHeader(data []byte) string {
	for _, line := range bytes.Split(data, []byte("\r\n")) {
		if len(line) == 0 {
			break // end of headers
		}
		if idx := bytes.IndexByte(line, ':'); idx > 0 {
			if strings.EqualFold(string(line[:idx]), "Host") {
				return strings.TrimSpace(string(line[idx+1:]))
			}
		}
	}
	return ""
}

// handleConnect establishes the MITM tunnel: TCP to the origin, TLS client
// handshake with the origin, 200 to the client, then TLS server handshake
// with the client using a leaf certificate for the target host.
func (r *Relay) handleConnect(clientConn net.Conn, c *Connection, entry *FlowEntry) error {
	originRaw, err := net.DialTimeout("tcp", net.JoinHostPort(c.Host, c.Port), r.dialTimeout())
	if err != nil {
		if r.Metrics != nil {
			r.Metrics.RecordUpstreamError(c.Host)
		}
		r.writeError(clientConn, http.StatusBadGateway, "origin unreachable")
		return fmt.Errorf("dial origin: %w", err)
	}
	defer func() { _ = originRaw.Close() }()

	originTLS := tls.Client(originRaw, &tls.Config{
		ServerName:         c.Host,
		InsecureSkipVerify: r.InsecureSkipOriginVerify,
	})
	if err := originTLS.Handshake(); err != nil {
		if r.Metrics != nil {
			r.Metrics.RecordUpstreamError(c.Host)
		}
		r.writeError(clientConn, http.StatusBadGateway, "origin TLS handshake failed")
		return fmt.Errorf("origin handshake: %w", err)
	}

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return fmt.Errorf("write connect response: %w", err)
	}

	tlsConfig := &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			// Use SNI if present, otherwise the CONNECT host.
			h := hello.ServerName
			if h == "" {
				h = c.Host
			}
			return r.Certs.GetCertificateForHost(h)
		},
	}

	clientTLS := tls.Server(clientConn, tlsConfig)
	if err := clientTLS.Handshake(); err != nil {
		if r.Metrics != nil {
			r.Metrics.RecordTLSHandshakeError()
		}
		return fmt.Errorf("client handshake: %w", err)
	}
	if r.Metrics != nil {
		r.Metrics.SetCertCacheSize(r.Certs.CacheSize())
	}

	return r.relay(clientTLS, originTLS, c, entry)
}

// handleHTTP relays a plain HTTP connection. The first buffer has already
// been read; it is inspected and forwarded before the relay loop starts.
func (r *Relay) handleHTTP(clientConn net.Conn, c *Connection, first []byte, entry *FlowEntry) error {
	originConn, err := net.DialTimeout("tcp", net.JoinHostPort(c.Host, c.Port), r.dialTimeout())
	if err != nil {
		if r.Metrics != nil {
			r.Metrics.RecordUpstreamError(c.Host)
		}
		r.writeError(clientConn, http.StatusBadGateway, "origin unreachable")
		return fmt.Errorf("dial origin: %w", err)
	}
	defer func() { _ = originConn.Close() }()

	meta := c.Meta()
	out, action := r.scan(first, meta)
	c.Protocol = meta.Protocol
	if action == ActionBlock {
		entry.Blocked = true
		entry.Action = action.String()
		return errBlocked
	}
	if action == ActionModify {
		entry.Action = action.String()
	}
	if _, err := originConn.Write(out); err != nil {
		return fmt.Errorf("forward request: %w", err)
	}
	entry.BytesIn += int64(len(out))

	return r.relay(clientConn, originConn, c, entry)
}

// relay runs the bidirectional forwarding loop. Each direction is one
// goroutine; buffers within a direction are inspected and forwarded in
// order. The first terminal event (EOF, error, block, timeout) tears down
// both sides.
func (r *Relay) relay(client, origin net.Conn, c *Connection, entry *FlowEntry) error {
	meta := c.Meta()
	errc := make(chan error, 2)

	var bytesIn, bytesOut int64
	var mu sync.Mutex

	go func() {
		n, err := r.pipe(client, origin, meta)
		mu.Lock()
		bytesIn += n
		mu.Unlock()
		errc <- err
	}()
	go func() {
		n, err := r.pipe(origin, client, meta)
		mu.Lock()
		bytesOut += n
		mu.Unlock()
		errc <- err
	}()

	err := <-errc

	// Closing both sockets unblocks the other direction.
	_ = client.Close()
	_ = origin.Close()
	<-errc

	mu.Lock()
	entry.BytesIn += bytesIn
	entry.BytesOut += bytesOut
	mu.Unlock()
	c.Protocol = meta.Protocol

	if errors.Is(err, errBlocked) {
		entry.Blocked = true
		entry.Action = ActionBlock.String()
		return err
	}
	if err == io.EOF {
		return nil
	}
	return err
}

// pipe forwards buffers from src to dst, passing each through the pipeline.
func (r *Relay) pipe(src, dst net.Conn, meta *ConnMeta) (int64, error) {
	buf := make([]byte, r.bufferSize())
	var written int64

	for {
		_ = src.SetReadDeadline(time.Now().Add(r.readTimeout()))
		n, err := src.Read(buf)
		if n > 0 {
			out, action := r.scan(buf[:n], meta)
			if action == ActionBlock {
				return written, errBlocked
			}
			if _, werr := dst.Write(out); werr != nil {
				return written, werr
			}
			written += int64(len(out))
			if r.Metrics != nil {
				r.Metrics.AddBytesRelayed(len(out))
			}
		}
		if err != nil {
			return written, err
		}
	}
}

// scan runs one buffer through the pipeline and policy engine, returning
// the bytes to forward and the verdict. Compressed buffers are decoded for
// inspection; a modify verdict is re-encoded before forwarding.
func (r *Relay) scan(data []byte, meta *ConnMeta) ([]byte, Action) {
	inspectable, encoding, decoded := DecodeBuffer(data)

	detections := r.Pipeline.Inspect(inspectable, meta)
	if r.Metrics != nil {
		r.Metrics.RecordInspection(detections)
	}

	// Protocol detections classify the stream; they are not threats and do
	// not engage the policy on their own.
	actionable := false
	for _, d := range detections {
		if d.Category != CategoryProtocol {
			actionable = true
			break
		}
	}
	if !actionable {
		return data, ActionAllow
	}

	result := r.Policy.Handle(inspectable, meta, detections)
	if r.Metrics != nil {
		r.Metrics.RecordVerdict(result.Action.String())
		r.Metrics.RecordThreatLevel(result.Level)
	}

	switch result.Action {
	case ActionBlock:
		r.Logger.Info("connection blocked",
			"conn_id", meta.ID, "host", meta.Host,
			"threat_id", result.ThreatID, "reason", result.Reason)
		return nil, ActionBlock

	case ActionModify:
		out := result.Modified
		if decoded {
			reencoded, err := EncodeBuffer(out, encoding)
			if err != nil {
				// Cannot rebuild the compressed stream: forward the
				// plaintext replacement rather than the original data.
				r.Logger.Warn("re-encode failed, forwarding plaintext",
					"conn_id", meta.ID, "encoding", encoding, "error", err)
			} else {
				out = reencoded
			}
		}
		return out, ActionModify

	default:
		return data, ActionAllow
	}
}

// writeError sends a best-effort HTTP error response before closing.
func (r *Relay) writeError(conn net.Conn, status int, msg string) {
	body := fmt.Sprintf("Proxy Error: %s", msg)
	resp := &http.Response{
		StatusCode:    status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"text/plain"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
	}
	_ = resp.Write(conn)
}

func (r *Relay) readTimeout() time.Duration {
	if r.ReadTimeout > 0 {
		return r.ReadTimeout
	}
	return 30 * time.Second
}

func (r *Relay) dialTimeout() time.Duration {
	if r.DialTimeout > 0 {
		return r.DialTimeout
	}
	return 10 * time.Second
}

func (r *Relay) bufferSize() int {
	if r.BufferSize > 0 {
		return r.BufferSize
	}
	return 4096
}
