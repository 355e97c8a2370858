package integration

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kodeshack/rcluster/internal/master"
	"github.com/kodeshack/rcluster/internal/pki"
	"github.com/kodeshack/rcluster/internal/slave"
	"github.com/stretchr/testify/require"
)

type pkiPaths struct {
	caCertPath     string
	serverCertPath string
	serverKeyPath  string
	clientCertPath string
	clientKeyPath  string
}

// TestEndToEnd_PingAndPushTree exercises the full stack against PEM files on
// disk rather than in-memory certificates: a slave accepts mTLS connections,
// a master pings it and then pushes a directory tree, and the pushed tree is
// verified byte-for-byte on the slave's filesystem.
func TestEndToEnd_PingAndPushTree(t *testing.T) {
	pkiDir := t.TempDir()
	paths := generatePKI(t, pkiDir, "e2e-master")

	serverTLS, err := pki.NewServerTLSConfig(paths.caCertPath, paths.serverCertPath, paths.serverKeyPath)
	require.NoError(t, err)
	clientTLS, err := pki.NewClientTLSConfig(paths.caCertPath, paths.clientCertPath, paths.clientKeyPath, "localhost")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	s := slave.New(slave.Config{Listen: addr, TLS: serverTLS}, logger)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ready := make(chan struct{})
	go func() {
		close(ready)
		s.Run(ctx)
	}()
	<-ready

	m := master.New(clientTLS)

	var id int
	deadline := time.Now().Add(2 * time.Second)
	for {
		id, err = m.AddSlave(context.Background(), addr)
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)

	require.NoError(t, m.Ping(context.Background(), id))

	srcParent := t.TempDir()
	srcRoot := filepath.Join(srcParent, "dataset")
	require.NoError(t, os.MkdirAll(filepath.Join(srcRoot, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(srcRoot, "top.txt"), []byte("top level"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(srcRoot, "nested", "inner.txt"), []byte("nested content"), 0o644))

	dstParent := t.TempDir()
	dst := filepath.Join(dstParent, "landing")

	require.NoError(t, m.SendFile(context.Background(), id, srcRoot, dst))

	got, err := os.ReadFile(filepath.Join(dst, "dataset", "top.txt"))
	require.NoError(t, err)
	require.Equal(t, "top level", string(got))

	got, err = os.ReadFile(filepath.Join(dst, "dataset", "nested", "inner.txt"))
	require.NoError(t, err)
	require.Equal(t, "nested content", string(got))

	status := s.Status()
	require.Equal(t, int64(2), status.ConnectionsServed)
}

func generatePKI(t *testing.T, dir string, clientCN string) *pkiPaths {
	t.Helper()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "E2E Test CA"},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
	}
	caCertDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	require.NoError(t, err)
	caCert, err := x509.ParseCertificate(caCertDER)
	require.NoError(t, err)

	caCertPath := filepath.Join(dir, "ca.pem")
	writePEMFile(t, caCertPath, "CERTIFICATE", caCertDER)

	serverKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	serverTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "E2E Test Server"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
		DNSNames:     []string{"localhost"},
	}
	serverCertDER, err := x509.CreateCertificate(rand.Reader, serverTemplate, caCert, &serverKey.PublicKey, caKey)
	require.NoError(t, err)
	serverCertPath := filepath.Join(dir, "server.pem")
	writePEMFile(t, serverCertPath, "CERTIFICATE", serverCertDER)
	serverKeyPath := filepath.Join(dir, "server-key.pem")
	writeECKeyPEM(t, serverKeyPath, serverKey)

	clientKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	clientTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(3),
		Subject:      pkix.Name{CommonName: clientCN},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	clientCertDER, err := x509.CreateCertificate(rand.Reader, clientTemplate, caCert, &clientKey.PublicKey, caKey)
	require.NoError(t, err)
	clientCertPath := filepath.Join(dir, "client.pem")
	writePEMFile(t, clientCertPath, "CERTIFICATE", clientCertDER)
	clientKeyPath := filepath.Join(dir, "client-key.pem")
	writeECKeyPEM(t, clientKeyPath, clientKey)

	return &pkiPaths{
		caCertPath:     caCertPath,
		serverCertPath: serverCertPath,
		serverKeyPath:  serverKeyPath,
		clientCertPath: clientCertPath,
		clientKeyPath:  clientKeyPath,
	}
}

func writePEMFile(t *testing.T, path, blockType string, data []byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, pem.Encode(f, &pem.Block{Type: blockType, Bytes: data}))
}

func writeECKeyPEM(t *testing.T, path string, key *ecdsa.PrivateKey) {
	t.Helper()
	der, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	writePEMFile(t, path, "EC PRIVATE KEY", der)
}
