// Package mcpquic carries MCP sessions over QUIC so automation peers can
// drive the daemon's control surface without HTTP in the path. A connection
// is one QUIC stream: the client sends four magic bytes for framing, then
// both sides speak standard MCP JSON-RPC over the stream.
//
// The ALPN token and magic bytes identify the protocol before any JSON is
// parsed, so a misdirected HTTP/3 or other QUIC client is rejected at the
// transport layer with a typed error code instead of a parse failure.
package mcpquic

import (
	"crypto/ecdsa"
	"crypto/elliptic"
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
	"time"

	"github.com/quic-go/quic-go"
)

// Wire-format constants. Both ends must agree on these.
const (
	// ALPNProtocolMCP is the TLS ALPN token negotiated for MCP streams.
	ALPNProtocolMCP = "mcp-quic-v1"

	// MagicBytesMCP is sent by the client as the first bytes of the stream,
	// before any JSON-RPC traffic.
	MagicBytesMCP = "MCP1"

	// MaxMessageSize is the largest JSON-RPC frame a peer should emit.
	// Tool results larger than this must be truncated or paged by the caller.
	MaxMessageSize = 10 * 1024 * 1024

	// DefaultIdleTimeout closes connections with no activity. Long enough to
	// survive a headful login wait on the far side.
	DefaultIdleTimeout = 5 * time.Minute

	// DefaultKeepAlive keeps NAT bindings warm between tool calls.
	DefaultKeepAlive = 30 * time.Second
)

// QUIC application error codes used when closing a connection.
const (
	ConnErrorNoError           quic.ApplicationErrorCode = 0x00
	ConnErrorInternal          quic.ApplicationErrorCode = 0x01
	ConnErrorUnsupportedALPN   quic.ApplicationErrorCode = 0x02
	ConnErrorProtocolViolation quic.ApplicationErrorCode = 0x03
)

// StreamErrorProtocolConfusion cancels a stream whose first bytes were not
// the MCP magic, before the SDK ever sees it.
const StreamErrorProtocolConfusion quic.StreamErrorCode = 0x01

var (
	// ErrInvalidMagicBytes means the stream did not start with MagicBytesMCP.
	ErrInvalidMagicBytes = errors.New("mcpquic: invalid magic bytes")

	// ErrUnsupportedALPN means the TLS handshake negotiated something other
	// than ALPNProtocolMCP.
	ErrUnsupportedALPN = errors.New("mcpquic: unsupported ALPN protocol")

	// ErrConnectionClosed means an operation was attempted without a live
	// session: the client never connected, or the connection was torn down.
	ErrConnectionClosed = errors.New("mcpquic: connection closed")
)

// ConnectionError wraps a transport failure with the peer address and the
// QUIC error code used to close the connection.
type ConnectionError struct {
	RemoteAddr string
	Code       quic.ApplicationErrorCode
	Err        error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("mcpquic: connection %s failed (code %#04x): %v", e.RemoteAddr, uint64(e.Code), e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SendMagicBytes writes the protocol magic at the start of a stream.
func SendMagicBytes(w io.Writer) error {
	if _, err := w.Write([]byte(MagicBytesMCP)); err != nil {
		return fmt.Errorf("mcpquic: send magic bytes: %w", err)
	}
	return nil
}

// ValidateMagicBytes reads the first bytes of a stream and checks them
// against MagicBytesMCP. It consumes exactly len(MagicBytesMCP) bytes.
func ValidateMagicBytes(r io.Reader) error {
	buf := make([]byte, len(MagicBytesMCP))
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("mcpquic: read magic bytes: %w", err)
	}
	if string(buf) != MagicBytesMCP {
		return fmt.Errorf("%w: got %q", ErrInvalidMagicBytes, buf)
	}
	return nil
}

// ProductionQUICConfig returns the QUIC tuning used by both client and
// server. 0-RTT stays off: control-surface calls are not replay-safe.
func ProductionQUICConfig() *quic.Config {
	return &quic.Config{
		MaxStreamReceiveWindow:     MaxMessageSize,
		MaxConnectionReceiveWindow: MaxMessageSize,
		MaxIdleTimeout:             DefaultIdleTimeout,
		KeepAlivePeriod:            DefaultKeepAlive,
		Allow0RTT:                  false,
	}
}

// ServerTLSConfig loads a certificate pair from disk and prepares it for the
// MCP listener.
func ServerTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("mcpquic: load key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPNProtocolMCP},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// SelfSignedTLSConfig generates an in-memory ECDSA P-256 certificate valid
// for one year on localhost. Development and tests only: clients must dial
// with InsecureSkipVerify or pin the certificate.
func SelfSignedTLSConfig() (*tls.Config, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("mcpquic: generate key: %w", err)
	}

	serialLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return nil, fmt.Errorf("mcpquic: generate serial: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"domsteer dev"},
			CommonName:   "localhost",
		},
		NotBefore:             now,
		NotAfter:              now.Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, fmt.Errorf("mcpquic: create certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("mcpquic: marshal key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("mcpquic: load generated pair: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPNProtocolMCP},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// ClientTLSConfig returns the TLS config for dialing an MCP listener.
// insecureSkipVerify disables certificate verification and belongs in
// development setups paired with SelfSignedTLSConfig on the server.
func ClientTLSConfig(insecureSkipVerify bool) *tls.Config {
	return &tls.Config{
		NextProtos:         []string{ALPNProtocolMCP},
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: insecureSkipVerify,
	}
}
