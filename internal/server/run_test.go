package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func startRun(t *testing.T, cfg RunConfig) (net.Addr, context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	bound := make(chan net.Addr, 1)
	cfg.OnListen = func(addr net.Addr) { bound <- addr }
	done := make(chan error, 1)
	go func() { done <- Run(ctx, cfg) }()

	select {
	case addr := <-bound:
		return addr, cancel, done
	case err := <-done:
		t.Fatalf("run returned before listening: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not start")
	}
	return nil, nil, nil
}

func waitDone(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestRunServesUntilCancelled(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) { _, _ = io.WriteString(w, "pong") })
	addr, cancel, done := startRun(t, RunConfig{
		Server:          &http.Server{Addr: "127.0.0.1:0", Handler: mux},
		ShutdownTimeout: time.Second,
	})

	resp, err := http.Get("http://" + addr.String() + "/ping")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "pong" {
		t.Fatalf("unexpected body %q", body)
	}

	cancel()
	waitDone(t, done)
}

func TestRunServesTLS(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeSelfSignedCert(t, dir, 1)
	addr, cancel, done := startRun(t, RunConfig{
		Server:          &http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler()},
		ShutdownTimeout: time.Second,
		TLS:             TLSConfig{CertFile: certFile, KeyFile: keyFile},
	})

	conn, err := tls.Dial("tcp", addr.String(), &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("tls dial: %v", err)
	}
	serial := conn.ConnectionState().PeerCertificates[0].SerialNumber.Int64()
	conn.Close()
	if serial != 1 {
		t.Fatalf("expected certificate serial 1, got %d", serial)
	}
	if conn.ConnectionState().Version < tls.VersionTLS12 {
		t.Fatal("expected TLS 1.2 or newer")
	}

	cancel()
	waitDone(t, done)
}

func TestRunStartupErrors(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = taken.Close() })

	tests := []struct {
		name string
		cfg  RunConfig
	}{
		{name: "no server", cfg: RunConfig{}},
		{name: "address in use", cfg: RunConfig{Server: &http.Server{Addr: taken.Addr().String()}}},
		{name: "partial tls", cfg: RunConfig{Server: &http.Server{Addr: "127.0.0.1:0"}, TLS: TLSConfig{CertFile: "cert.pem"}}},
		{name: "missing tls files", cfg: RunConfig{Server: &http.Server{Addr: "127.0.0.1:0"}, TLS: TLSConfig{CertFile: "missing.pem", KeyFile: "missing.key"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			listened := false
			tt.cfg.OnListen = func(net.Addr) { listened = true }
			if err := Run(context.Background(), tt.cfg); err == nil {
				t.Fatal("expected startup error")
			}
			if listened {
				t.Fatal("OnListen must not fire when startup fails")
			}
		})
	}
}

func TestServerRunRejectsPartialTLSConfig(t *testing.T) {
	srv, err := New(Config{
		Addr:  "127.0.0.1:0",
		TLS:   TLSConfig{CertFile: "cert.pem"},
		Relay: &fakeController{},
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if err := srv.Run(context.Background()); err == nil {
		t.Fatal("expected error when only the certificate file is configured")
	}
}

func TestKeyPairReloaderPicksUpRenewedCertificate(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeSelfSignedCert(t, dir, 1)
	reloader, err := newKeyPairReloader(TLSConfig{CertFile: certFile, KeyFile: keyFile})
	if err != nil {
		t.Fatalf("newKeyPairReloader: %v", err)
	}

	serialOf := func() int64 {
		t.Helper()
		cert, err := reloader.GetCertificate(nil)
		if err != nil {
			t.Fatalf("GetCertificate: %v", err)
		}
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			t.Fatalf("parse leaf: %v", err)
		}
		return leaf.SerialNumber.Int64()
	}
	if got := serialOf(); got != 1 {
		t.Fatalf("expected serial 1, got %d", got)
	}

	writeSelfSignedCert(t, dir, 2)
	future := time.Now().Add(time.Minute)
	for _, path := range []string{certFile, keyFile} {
		if err := os.Chtimes(path, future, future); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}
	reloader.mu.Lock()
	reloader.lastStat = time.Time{}
	reloader.mu.Unlock()
	if got := serialOf(); got != 2 {
		t.Fatalf("expected renewed serial 2, got %d", got)
	}

	// A broken renewal keeps the last good pair.
	if err := os.WriteFile(certFile, []byte("garbage"), 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	later := future.Add(time.Minute)
	if err := os.Chtimes(certFile, later, later); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	reloader.mu.Lock()
	reloader.lastStat = time.Time{}
	reloader.mu.Unlock()
	if got := serialOf(); got != 2 {
		t.Fatalf("expected previous serial 2 after failed reload, got %d", got)
	}
}

func writeSelfSignedCert(t *testing.T, dir string, serial int64) (string, string) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: "relay.local"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"relay.local"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}), 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certPath, keyPath
}
