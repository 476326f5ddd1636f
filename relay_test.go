package cfw

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"testing"
	"time"
)

func newTestRelay(t *testing.T, strategy Strategy) *Relay {
	t.Helper()

	r := NewRelay("127.0.0.1:0", nil, NewPipeline(DefaultRules(), nil), newTestPolicy(t, strategy))
	r.ReadTimeout = 2 * time.Second
	return r
}

func TestParseFirstBuffer(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		connect bool
		host    string
		port    string
		wantErr bool
	}{
		{
			name:    "connect with port",
			data:    "CONNECT example.com:443 HTTP/1.1\r\n\r\n",
			connect: true,
			host:    "example.com",
			port:    "443",
		},
		{
			name:    "connect without port",
			data:    "CONNECT example.com HTTP/1.1\r\n\r\n",
			connect: true,
			host:    "example.com",
			port:    "443",
		},
		{
			name: "get with host header",
			data: "GET /index.html HTTP/1.1\r\nHost: example.com\r\n\r\n",
			host: "example.com",
			port: "80",
		},
		{
			name: "host header with port",
			data: "GET / HTTP/1.1\r\nHost: example.com:8081\r\n\r\n",
			host: "example.com",
			port: "8081",
		},
		{
			name: "absolute uri",
			data: "GET http://example.com:9000/path HTTP/1.1\r\n\r\n",
			host: "example.com",
			port: "9000",
		},
		{
			name:    "missing host header",
			data:    "GET / HTTP/1.1\r\nAccept: */*\r\n\r\n",
			wantErr: true,
		},
		{
			name:    "short request line",
			data:    "GET /\r\n\r\n",
			wantErr: true,
		},
		{
			name:    "http2 preface",
			data:    "PRI * HTTP/2.0\r\n\r\n",
			wantErr: true,
		},
		{
			name:    "unknown method",
			data:    "BREW /pot HTTP/1.1\r\nHost: example.com\r\n\r\n",
			wantErr: true,
		},
		{
			name:    "bad connect target",
			data:    "CONNECT :443 HTTP/1.1\r\n\r\n",
			wantErr: true,
		},
		{
			name:    "tls client hello",
			data:    "\x16\x03\x01\x00\xf5\x01\x00\x00",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := parseFirstBuffer([]byte(tt.data))
			if tt.wantErr {
				if !errors.Is(err, ErrParse) {
					t.Fatalf("err = %v, want ErrParse", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseFirstBuffer failed: %v", err)
			}
			if req.isConnect != tt.connect {
				t.Errorf("isConnect = %v, want %v", req.isConnect, tt.connect)
			}
			if req.host != tt.host || req.port != tt.port {
				t.Errorf("target = %s:%s, want %s:%s", req.host, req.port, tt.host, tt.port)
			}
		})
	}
}

func TestSplitTarget(t *testing.T) {
	host, port, err := splitTarget("example.com", "443")
	if err != nil || host != "example.com" || port != "443" {
		t.Errorf("got (%q, %q, %v)", host, port, err)
	}

	host, port, err = splitTarget("example.com:8443", "443")
	if err != nil || host != "example.com" || port != "8443" {
		t.Errorf("got (%q, %q, %v)", host, port, err)
	}

	if _, _, err := splitTarget("", "443"); err == nil {
		t.Error("expected error for empty target")
	}
	if _, _, err := splitTarget(":443", "443"); err == nil {
		t.Error("expected error for empty host")
	}
}

func TestFindHostHeader(t *testing.T) {
	data := []byte("GET / HTTP/1.1\r\nAccept: */*\r\nhost: Example.COM\r\n\r\nHost: body.example\r\n")
	if got := findHostHeader(data); got != "Example.COM" {
		t.Errorf("host = %q, want header value, not body content", got)
	}

	if got := findHostHeader([]byte("GET / HTTP/1.1\r\n\r\n")); got != "" {
		t.Errorf("host = %q, want empty", got)
	}
}

func TestPipeBlocksWithoutForwarding(t *testing.T) {
	r := newTestRelay(t, StrategyBlock)

	clientA, clientB := net.Pipe()
	originA, originB := net.Pipe()
	defer func() {
		_ = clientA.Close()
		_ = clientB.Close()
		_ = originA.Close()
		_ = originB.Close()
	}()

	errc := make(chan error, 1)
	go func() {
		_, err := r.pipe(clientB, originA, &ConnMeta{ID: "c1", Host: "example.com"})
		errc <- err
	}()

	if _, err := clientA.Write([]byte("ssn 123-45-6789 card 4111-1111-1111-1111 key AKIA1234567890ABCDEF1234567890AB")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if err := <-errc; !errors.Is(err, errBlocked) {
		t.Fatalf("pipe err = %v, want block", err)
	}

	// Nothing may have reached the origin side.
	_ = originB.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	buf := make([]byte, 64)
	if n, err := originB.Read(buf); !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Errorf("origin read = (%d, %v), want deadline exceeded", n, err)
	}
}

func TestPipeForwardsRedactedBuffer(t *testing.T) {
	r := newTestRelay(t, StrategySteganography)

	clientA, clientB := net.Pipe()
	originA, originB := net.Pipe()
	defer func() {
		_ = clientA.Close()
		_ = clientB.Close()
		_ = originA.Close()
		_ = originB.Close()
	}()

	errc := make(chan error, 1)
	go func() {
		_, err := r.pipe(clientB, originA, &ConnMeta{ID: "c1", Host: "example.com"})
		errc <- err
	}()

	payload := "POST /submit HTTP/1.1\r\n\r\nssn=123-45-6789"
	go func() {
		_, _ = clientA.Write([]byte(payload))
		_ = clientA.Close()
	}()

	buf := make([]byte, 4096)
	_ = originB.SetReadDeadline(time.Now().Add(time.Second))
	n, err := originB.Read(buf)
	if err != nil {
		t.Fatalf("origin read failed: %v", err)
	}
	forwarded := string(buf[:n])

	if strings.Contains(forwarded, "123-45-6789") {
		t.Error("SSN forwarded unredacted")
	}
	if !strings.Contains(forwarded, "***-**-****") {
		t.Errorf("placeholder missing from forwarded buffer: %q", forwarded)
	}

	if err := <-errc; err != io.EOF {
		t.Errorf("pipe err = %v, want EOF", err)
	}
}

func TestScanAllowsCleanBuffer(t *testing.T) {
	r := newTestRelay(t, StrategyBlock)

	data := []byte("GET /status HTTP/1.1\r\nHost: example.com\r\n\r\n")
	out, action := r.scan(data, &ConnMeta{})
	if action != ActionAllow {
		t.Errorf("action = %v, want allow", action)
	}
	if !bytes.Equal(out, data) {
		t.Error("clean buffer altered")
	}
}

func TestScanRedactsInsideGzip(t *testing.T) {
	r := newTestRelay(t, StrategySteganography)

	plain := []byte("account ssn 123-45-6789 end")
	compressed, err := EncodeBuffer(plain, EncodingGzip)
	if err != nil {
		t.Fatalf("EncodeBuffer failed: %v", err)
	}

	out, action := r.scan(compressed, &ConnMeta{ID: "c1"})
	if action != ActionModify {
		t.Fatalf("action = %v, want modify", action)
	}

	decoded, _, ok := DecodeBuffer(out)
	if !ok {
		t.Fatal("modified buffer is not gzip")
	}
	if strings.Contains(string(decoded), "123-45-6789") {
		t.Error("SSN survived inside re-encoded stream")
	}
	if !strings.Contains(string(decoded), "***-**-****") {
		t.Errorf("placeholder missing: %q", decoded)
	}
}

func startTestRelay(t *testing.T, r *Relay) net.Addr {
	t.Helper()

	done := make(chan error, 1)
	go func() { done <- r.ListenAndServe() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
		<-done
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr := r.ListenAddr(); addr != nil {
			return addr
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("relay did not start listening")
	return nil
}

func TestRelayPlainHTTPEndToEnd(t *testing.T) {
	origin, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("origin listen failed: %v", err)
	}
	defer func() { _ = origin.Close() }()

	originGot := make(chan string, 1)
	go func() {
		conn, err := origin.Accept()
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		buf := make([]byte, 4096)
		n, _ := conn.Read(buf)
		originGot <- string(buf[:n])
		_, _ = conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	}()

	r := newTestRelay(t, StrategyBlock)
	addr := startTestRelay(t, r)

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial relay failed: %v", err)
	}
	defer func() { _ = conn.Close() }()

	req := fmt.Sprintf("GET / HTTP/1.1\r\nHost: %s\r\n\r\n", origin.Addr().String())
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read response failed: %v", err)
	}
	if !strings.Contains(string(buf[:n]), "200 OK") {
		t.Errorf("response = %q", buf[:n])
	}

	select {
	case got := <-originGot:
		if !strings.HasPrefix(got, "GET / HTTP/1.1") {
			t.Errorf("origin received %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Error("origin never received the request")
	}

	stats := r.Tracker.Stats()
	if stats.Accepted != 1 {
		t.Errorf("Accepted = %d, want 1", stats.Accepted)
	}
}

func TestRelayMalformedRequest(t *testing.T) {
	r := newTestRelay(t, StrategyBlock)
	addr := startTestRelay(t, r)

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial relay failed: %v", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.Write([]byte("NONSENSE\r\n\r\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !strings.Contains(string(buf[:n]), "400") {
		t.Errorf("response = %q, want 400", buf[:n])
	}
}

func TestRelayOriginUnreachable(t *testing.T) {
	// Grab a port that is guaranteed closed.
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadAddr := dead.Addr().String()
	_ = dead.Close()

	r := newTestRelay(t, StrategyBlock)
	addr := startTestRelay(t, r)

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial relay failed: %v", err)
	}
	defer func() { _ = conn.Close() }()

	req := fmt.Sprintf("GET / HTTP/1.1\r\nHost: %s\r\n\r\n", deadAddr)
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !strings.Contains(string(buf[:n]), "502") {
		t.Errorf("response = %q, want 502", buf[:n])
	}
}

// startTLSOrigin runs a one-shot TLS origin serving a leaf issued by cm. The
// returned channel receives the decrypted bytes the origin read.
func startTLSOrigin(t *testing.T, cm *CertManager) (net.Listener, chan string) {
	t.Helper()

	leaf, err := cm.GetCertificateForHost("127.0.0.1")
	if err != nil {
		t.Fatalf("issue origin leaf: %v", err)
	}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{*leaf},
	})
	if err != nil {
		t.Fatalf("origin listen failed: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	got := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		buf := make([]byte, 4096)
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		got <- string(buf[:n])
		_, _ = conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	}()

	return ln, got
}

// openTunnel dials the relay, issues a CONNECT for target, and completes the
// client-side TLS handshake trusting the relay's CA.
func openTunnel(t *testing.T, relayAddr net.Addr, target string, cm *CertManager) *tls.Conn {
	t.Helper()

	conn, err := net.Dial("tcp", relayAddr.String())
	if err != nil {
		t.Fatalf("dial relay failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	if _, err := fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\n\r\n", target); err != nil {
		t.Fatalf("write CONNECT failed: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read CONNECT response failed: %v", err)
	}
	if !strings.Contains(string(buf[:n]), "200 Connection Established") {
		t.Fatalf("CONNECT response = %q", buf[:n])
	}
	_ = conn.SetReadDeadline(time.Time{})

	pool := x509.NewCertPool()
	pool.AddCert(cm.CACert())
	tconn := tls.Client(conn, &tls.Config{
		RootCAs:    pool,
		ServerName: "127.0.0.1",
	})
	if err := tconn.Handshake(); err != nil {
		t.Fatalf("tunnel handshake failed: %v", err)
	}
	return tconn
}

func TestRelayConnectTunnelRedactsSensitiveData(t *testing.T) {
	cm := newTestCertManager(t)
	origin, originGot := startTLSOrigin(t, cm)

	r := newTestRelay(t, StrategySteganography)
	r.Certs = cm
	r.InsecureSkipOriginVerify = true
	addr := startTestRelay(t, r)

	tconn := openTunnel(t, addr, origin.Addr().String(), cm)

	payload := "POST /submit HTTP/1.1\r\n\r\nssn=123-45-6789"
	if _, err := tconn.Write([]byte(payload)); err != nil {
		t.Fatalf("write through tunnel failed: %v", err)
	}

	select {
	case got := <-originGot:
		if strings.Contains(got, "123-45-6789") {
			t.Error("SSN crossed the tunnel unredacted")
		}
		if !strings.Contains(got, "***-**-****") {
			t.Errorf("placeholder missing from origin payload: %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("origin never received the tunneled request")
	}

	// The origin's reply must flow back through the tunnel.
	_ = tconn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1024)
	n, err := tconn.Read(buf)
	if err != nil {
		t.Fatalf("read tunnel response failed: %v", err)
	}
	if !strings.Contains(string(buf[:n]), "200 OK") {
		t.Errorf("tunnel response = %q", buf[:n])
	}
}

func TestRelayConnectTunnelBlocksThreat(t *testing.T) {
	cm := newTestCertManager(t)
	origin, originGot := startTLSOrigin(t, cm)

	r := newTestRelay(t, StrategyBlock)
	r.Certs = cm
	r.InsecureSkipOriginVerify = true
	addr := startTestRelay(t, r)

	tconn := openTunnel(t, addr, origin.Addr().String(), cm)

	payload := "POST /submit HTTP/1.1\r\n\r\nssn=123-45-6789"
	if _, err := tconn.Write([]byte(payload)); err != nil {
		t.Fatalf("write through tunnel failed: %v", err)
	}

	// The relay tears the tunnel down without forwarding anything.
	_ = tconn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1024)
	n, err := tconn.Read(buf)
	if err == nil || errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("tunnel read = (%d, %v), want closed connection", n, err)
	}

	select {
	case got := <-originGot:
		t.Fatalf("origin received blocked payload: %q", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRelayBlockedConnectionGetsNoResponse(t *testing.T) {
	origin, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = origin.Close() }()
	go func() {
		for {
			conn, err := origin.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	r := newTestRelay(t, StrategyBlock)
	addr := startTestRelay(t, r)

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial relay failed: %v", err)
	}
	defer func() { _ = conn.Close() }()

	req := fmt.Sprintf("POST /submit HTTP/1.1\r\nHost: %s\r\n\r\nssn=123-45-6789", origin.Addr().String())
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	// A blocked connection is torn down without any response bytes.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != io.EOF {
		t.Errorf("read = (%d, %v), want EOF", n, err)
	}
}
