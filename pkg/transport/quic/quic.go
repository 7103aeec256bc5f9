package quic

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"

	quicgo "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"replibridge/pkg/transport"
)

// ALPN protocol id negotiated on every connection.
const alpn = "replibridge"

// CertificateMode selects where the server certificate comes from.
type CertificateMode int

const (
	// CertSelfSigned generates an ephemeral certificate for Hostname.
	CertSelfSigned CertificateMode = iota
	// CertFiles loads a PEM certificate/key pair.
	CertFiles
)

// CertificateConfig is the server certificate policy.
type CertificateConfig struct {
	Mode     CertificateMode
	Hostname string
	CertFile string
	KeyFile  string
}

// VerifyMode is the client certificate verification policy.
type VerifyMode int

const (
	// VerifySkip accepts any server certificate.
	VerifySkip VerifyMode = iota
	// VerifySystem uses the system root pool.
	VerifySystem
	// VerifyCAFile trusts only the PEM certificates in CAFile.
	VerifyCAFile
)

// Options are QUIC tuning knobs shared by both roles.
type Options struct {
	KeepAlive        time.Duration
	MaxIdleTimeout   time.Duration
	HandshakeTimeout time.Duration
	Logger           *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.KeepAlive <= 0 {
		o.KeepAlive = 4 * time.Second
	}
	if o.MaxIdleTimeout <= 0 {
		o.MaxIdleTimeout = 10 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.L()
	}
	return o
}

func (o Options) quicConfig() *quicgo.Config {
	return &quicgo.Config{
		EnableDatagrams:      true,
		KeepAlivePeriod:      o.KeepAlive,
		MaxIdleTimeout:       o.MaxIdleTimeout,
		HandshakeIdleTimeout: o.HandshakeTimeout,
	}
}

// ServerConfig describes an endpoint to open.
type ServerConfig struct {
	ListenAddr  string
	Certificate CertificateConfig
	// Channels are the server's send channels, in positional order.
	Channels []transport.ChannelConfig
	Options
}

// ClientConfig describes a connection to open.
type ClientConfig struct {
	Address    string
	Verify     VerifyMode
	CAFile     string
	ServerName string
	// Channels are the client's send channels, in positional order.
	Channels []transport.ChannelConfig
	Options
}

var errTooManyChannels = errors.New("quic: too many channels")

func checkChannels(chs []transport.ChannelConfig) error {
	if len(chs) > transport.MaxChannels {
		return fmt.Errorf("%w: %d > %d", errTooManyChannels, len(chs), transport.MaxChannels)
	}
	return nil
}

func serverTLS(c CertificateConfig) (*tls.Config, error) {
	var cert tls.Certificate
	var err error
	switch c.Mode {
	case CertSelfSigned:
		cert, err = selfSignedCert(c.Hostname)
	case CertFiles:
		cert, err = tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	default:
		err = fmt.Errorf("unknown certificate mode %d", c.Mode)
	}
	if err != nil {
		return nil, fmt.Errorf("quic: server certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

func clientTLS(c ClientConfig) (*tls.Config, error) {
	conf := &tls.Config{
		NextProtos: []string{alpn},
		MinVersion: tls.VersionTLS13,
		ServerName: c.ServerName,
	}
	switch c.Verify {
	case VerifySkip:
		conf.InsecureSkipVerify = true
	case VerifySystem:
	case VerifyCAFile:
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("quic: read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("quic: no certificates in %s", c.CAFile)
		}
		conf.RootCAs = pool
	default:
		return nil, fmt.Errorf("quic: unknown verify mode %d", c.Verify)
	}
	return conf, nil
}

// selfSignedCert generates a short-lived self-signed TLS certificate.
func selfSignedCert(hostname string) (tls.Certificate, error) {
	if hostname == "" {
		hostname = "localhost"
	}
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	if ip := net.ParseIP(hostname); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
	} else {
		tmpl.DNSNames = []string{hostname}
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
