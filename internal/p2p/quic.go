package p2p

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/Trustflow-Network-Labs/dht-node/internal/utils"
)

const quicALPN = "dht-node"

// QUICTransport carries each message on its own unidirectional stream. One
// UDP socket is shared by the listener and all dialed connections, so the
// remote address of an inbound connection is the peer's listen address.
type QUICTransport struct {
	listenAddr string
	maxSize    int
	certDir    string
	config     *utils.ConfigManager
	logger     *utils.LogsManager

	idleTimeout     time.Duration
	keepAlivePeriod time.Duration
	dialTimeout     time.Duration

	udpConn   *net.UDPConn
	transport *quic.Transport
	listener  *quic.Listener
	tlsConfig *tls.Config
	local     netip.AddrPort
	recv      Receiver

	mu    sync.Mutex
	conns map[netip.AddrPort]*quic.Conn

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewQUICTransport persists its self-signed certificate in certDir. An empty
// certDir keeps the certificate in memory only.
func NewQUICTransport(listenAddr string, maxSize int, certDir string, config *utils.ConfigManager, logger *utils.LogsManager) *QUICTransport {
	ctx, cancel := context.WithCancel(context.Background())
	return &QUICTransport{
		listenAddr:      listenAddr,
		maxSize:         maxSize,
		certDir:         certDir,
		config:          config,
		logger:          logger,
		idleTimeout:     config.GetConfigDuration("quic_max_idle_timeout", 30*time.Second),
		keepAlivePeriod: config.GetConfigDuration("quic_keep_alive_period", 10*time.Second),
		dialTimeout:     config.GetConfigDuration("quic_dial_timeout", 3*time.Second),
		conns:           make(map[netip.AddrPort]*quic.Conn),
		ctx:             ctx,
		cancel:          cancel,
	}
}

func generateEd25519Certificate(pub ed25519.PublicKey, priv ed25519.PrivateKey) ([]byte, error) {
	template := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().Unix()),
		Subject: pkix.Name{
			Organization: []string{"DHT Node"},
			CommonName:   utils.HashBytes(pub)[:16],
		},
		NotBefore:   time.Now(),
		NotAfter:    time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		IPAddresses: []net.IP{net.IPv4(0, 0, 0, 0), net.IPv6zero},
		DNSNames:    []string{"*"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, pub, priv)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	return certDER, nil
}

func saveCertificateToPEM(certDER []byte, priv ed25519.PrivateKey, certPath, keyPath string) error {
	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return fmt.Errorf("failed to write certificate file: %w", err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write private key file: %w", err)
	}
	return nil
}

func loadCertificateFromPEM(certPath, keyPath string) (tls.Certificate, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to read certificate file: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to read private key file: %w", err)
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil || certBlock.Type != "CERTIFICATE" {
		return tls.Certificate{}, errors.New("failed to decode certificate PEM")
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil || keyBlock.Type != "PRIVATE KEY" {
		return tls.Certificate{}, errors.New("failed to decode private key PEM")
	}

	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to parse certificate: %w", err)
	}

	// regenerate when expired or expiring within 30 days
	if time.Now().Add(30 * 24 * time.Hour).After(cert.NotAfter) {
		return tls.Certificate{}, fmt.Errorf("certificate expires %v", cert.NotAfter)
	}

	privateKey, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to parse private key: %w", err)
	}
	ed25519Key, ok := privateKey.(ed25519.PrivateKey)
	if !ok {
		return tls.Certificate{}, errors.New("private key is not Ed25519")
	}

	return tls.Certificate{
		Certificate: [][]byte{certBlock.Bytes},
		PrivateKey:  ed25519Key,
	}, nil
}

func (q *QUICTransport) loadOrGenerateTLSConfig() (*tls.Config, error) {
	var certPath, keyPath string
	if q.certDir != "" {
		certPath = filepath.Join(q.certDir, q.config.GetConfigWithDefault("quic_cert_file", utils.AppName+".crt"))
		keyPath = filepath.Join(q.certDir, q.config.GetConfigWithDefault("quic_key_file", utils.AppName+".key"))

		if cert, err := loadCertificateFromPEM(certPath, keyPath); err == nil {
			q.logger.Debug(fmt.Sprintf("Loaded QUIC certificate from %s", certPath), "transport")
			return q.newTLSConfig(cert), nil
		} else if !errors.Is(err, os.ErrNotExist) {
			q.logger.Warn(fmt.Sprintf("Regenerating QUIC certificate: %v", err), "transport")
		}
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate certificate key: %w", err)
	}
	certDER, err := generateEd25519Certificate(pub, priv)
	if err != nil {
		return nil, err
	}

	if certPath != "" {
		if err := os.MkdirAll(q.certDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create certificate dir: %w", err)
		}
		if err := saveCertificateToPEM(certDER, priv, certPath, keyPath); err != nil {
			return nil, err
		}
		q.logger.Info(fmt.Sprintf("Generated QUIC certificate %s", certPath), "transport")
	}

	return q.newTLSConfig(tls.Certificate{Certificate: [][]byte{certDER}, PrivateKey: priv}), nil
}

// newTLSConfig allows self-signed peers. The DHT authenticates nothing at
// the transport layer; store tokens bind requests to addresses.
func (q *QUICTransport) newTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		NextProtos:         []string{quicALPN},
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: true,
		ClientAuth:         tls.RequireAnyClientCert,
	}
}

func (q *QUICTransport) quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  q.idleTimeout,
		KeepAlivePeriod: q.keepAlivePeriod,
	}
}

func (q *QUICTransport) Start(recv Receiver) error {
	tlsConfig, err := q.loadOrGenerateTLSConfig()
	if err != nil {
		return err
	}
	q.tlsConfig = tlsConfig
	q.recv = recv

	addr, err := net.ResolveUDPAddr("udp", q.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve listen address %s: %w", q.listenAddr, err)
	}
	q.udpConn, err = net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP %s: %w", q.listenAddr, err)
	}
	q.local = unmap(q.udpConn.LocalAddr().(*net.UDPAddr).AddrPort())

	q.transport = &quic.Transport{Conn: q.udpConn}
	q.listener, err = q.transport.Listen(q.tlsConfig, q.quicConfig())
	if err != nil {
		q.udpConn.Close()
		return fmt.Errorf("failed to start QUIC listener: %w", err)
	}

	q.logger.Info(fmt.Sprintf("QUIC transport listening on %s (MaxIdleTimeout=%v, KeepAlivePeriod=%v)",
		q.local, q.idleTimeout, q.keepAlivePeriod), "transport")

	q.wg.Add(1)
	go q.acceptConnections()
	return nil
}

func (q *QUICTransport) acceptConnections() {
	defer q.wg.Done()
	for {
		conn, err := q.listener.Accept(q.ctx)
		if err != nil {
			if q.closed.Load() {
				return
			}
			q.logger.Warn(fmt.Sprintf("QUIC accept error: %v", err), "transport")
			continue
		}
		q.register(conn)
	}
}

func remoteAddrPort(conn *quic.Conn) netip.AddrPort {
	if udp, ok := conn.RemoteAddr().(*net.UDPAddr); ok {
		return unmap(udp.AddrPort())
	}
	return netip.AddrPort{}
}

// register caches conn and starts its stream reader. A newer connection to
// the same peer replaces the cached one; the old one drains until idle.
func (q *QUICTransport) register(conn *quic.Conn) {
	addr := remoteAddrPort(conn)

	q.mu.Lock()
	q.conns[addr] = conn
	q.mu.Unlock()

	q.wg.Add(1)
	go q.readStreams(conn, addr)
}

func (q *QUICTransport) readStreams(conn *quic.Conn, addr netip.AddrPort) {
	defer q.wg.Done()
	defer func() {
		q.mu.Lock()
		if q.conns[addr] == conn {
			delete(q.conns, addr)
		}
		q.mu.Unlock()
	}()

	for {
		stream, err := conn.AcceptUniStream(q.ctx)
		if err != nil {
			return
		}

		data, err := io.ReadAll(io.LimitReader(stream, int64(q.maxSize)+1))
		if err != nil {
			q.logger.Debug(fmt.Sprintf("QUIC stream read from %s failed: %v", addr, err), "transport")
			continue
		}
		if len(data) > q.maxSize {
			stream.CancelRead(0)
			q.logger.Debug(fmt.Sprintf("Dropping oversized message from %s", addr), "transport")
			continue
		}
		q.recv(addr, data)
	}
}

func (q *QUICTransport) connection(dst netip.AddrPort) (*quic.Conn, error) {
	q.mu.Lock()
	conn, ok := q.conns[dst]
	q.mu.Unlock()
	if ok && conn.Context().Err() == nil {
		return conn, nil
	}

	dialCtx, cancel := context.WithTimeout(q.ctx, q.dialTimeout)
	defer cancel()

	conn, err := q.transport.Dial(dialCtx, net.UDPAddrFromAddrPort(dst), q.tlsConfig, q.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", dst, err)
	}
	q.register(conn)
	return conn, nil
}

func (q *QUICTransport) Send(dst netip.AddrPort, data []byte) error {
	if q.closed.Load() {
		return ErrTransportClosed
	}
	if q.transport == nil {
		return ErrNotStarted
	}
	if len(data) > q.maxSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(data))
	}

	conn, err := q.connection(dst)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(q.ctx, q.dialTimeout)
	defer cancel()
	stream, err := conn.OpenUniStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("failed to open stream to %s: %w", dst, err)
	}
	if _, err := stream.Write(data); err != nil {
		stream.CancelWrite(0)
		return fmt.Errorf("failed to write to %s: %w", dst, err)
	}
	return stream.Close()
}

func (q *QUICTransport) LocalAddr() netip.AddrPort {
	return q.local
}

// Connections reports the number of cached peer connections.
func (q *QUICTransport) Connections() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.conns)
}

func (q *QUICTransport) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}
	q.cancel()

	q.mu.Lock()
	for _, conn := range q.conns {
		conn.CloseWithError(0, "shutting down")
	}
	q.mu.Unlock()

	var err error
	if q.listener != nil {
		err = q.listener.Close()
	}
	if q.transport != nil {
		if cerr := q.transport.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if q.udpConn != nil {
		q.udpConn.Close()
	}
	q.wg.Wait()
	return err
}
