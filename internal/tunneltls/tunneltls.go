// Package tunneltls provisions the self-signed certificate used by
// internal/tunnel's QUIC/WebTransport peer-tunnel listener, so a pair
// of polypd daemons can establish a tunnel without an external CA.
//
// Grounded on server/tls.go's generateTLSConfig.
package tunneltls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"
)

// ALPNProtocol is the tunnel's application-layer protocol identifier,
// negotiated over QUIC so a peer-tunnel listener can be told apart from
// any other WebTransport service sharing the port.
const ALPNProtocol = "polypd-tunnel"

// identity is a generated self-signed key/certificate pair along with
// the SHA-256 fingerprint peers pin instead of trusting a shared CA —
// there is no CA here, each polypd generates its own identity and the
// fingerprint is exchanged out of band.
type identity struct {
	cert        tls.Certificate
	fingerprint string
}

// selfSignedIdentity generates an ECDSA P-256 key and a self-signed
// leaf certificate for subject, valid from one hour in the past
// (clock-skew slack between the two tunnel endpoints) until validity
// from now.
func selfSignedIdentity(subject pkix.Name, sans []string, validity time.Duration) (identity, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return identity{}, fmt.Errorf("[tunneltls] generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return identity{}, fmt.Errorf("[tunneltls] generate serial: %w", err)
	}

	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(validity),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              sans,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return identity{}, fmt.Errorf("[tunneltls] create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return identity{}, fmt.Errorf("[tunneltls] parse certificate: %w", err)
	}

	fp := sha256.Sum256(certDER)
	return identity{
		cert: tls.Certificate{
			Certificate: [][]byte{certDER},
			PrivateKey:  key,
			Leaf:        cert,
		},
		fingerprint: hex.EncodeToString(fp[:]),
	}, nil
}

// GenerateConfig mints a fresh self-signed identity for one end of a
// peer tunnel and wraps it in a tls.Config suited to QUIC: TLS 1.3 only
// (the protocol's floor, not merely a default) and ALPN pinned to
// ALPNProtocol so the listener rejects any connection not speaking the
// tunnel protocol before a single control-stream byte is exchanged.
// Returns the fingerprint alongside the config since, with no shared
// CA between two polypd instances, fingerprint pinning (see
// TrustFingerprint) is how each side authenticates the other — validity
// bounds how long the identity remains usable, and hostname, if given,
// becomes the certificate's Common Name and an additional DNS SAN next
// to "localhost".
func GenerateConfig(validity time.Duration, hostname string) (*tls.Config, string, error) {
	cn := "polypd"
	if hostname != "" {
		cn = hostname
	}
	sans := []string{"localhost"}
	if hostname != "" && hostname != "localhost" {
		sans = append(sans, hostname)
	}

	id, err := selfSignedIdentity(pkix.Name{CommonName: cn}, sans, validity)
	if err != nil {
		return nil, "", err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{id.cert},
		NextProtos:   []string{ALPNProtocol},
		MinVersion:   tls.VersionTLS13,
	}, id.fingerprint, nil
}

// TrustFingerprint returns a tls.Config.VerifyPeerCertificate hook
// rejecting any leaf whose SHA-256 fingerprint doesn't equal want,
// the simplest way two self-signed polypd peers can pin each other's
// certificate without a shared CA.
func TrustFingerprint(want string) func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("[tunneltls] no peer certificate presented")
		}
		fp := sha256.Sum256(rawCerts[0])
		got := hex.EncodeToString(fp[:])
		if got != want {
			return fmt.Errorf("[tunneltls] peer certificate fingerprint %s does not match expected %s", got, want)
		}
		return nil
	}
}
