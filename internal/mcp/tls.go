package mcp

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ValidateTLSFingerprint checks that a fingerprint string has the correct
// format: "sha256:<64-hex-chars>" or empty.
func ValidateTLSFingerprint(fingerprint string) error {
	if fingerprint == "" {
		return nil
	}
	if !strings.HasPrefix(fingerprint, "sha256:") {
		return fmt.Errorf("TLS fingerprint must start with 'sha256:', got %q", fingerprint)
	}
	hexPart := strings.TrimPrefix(fingerprint, "sha256:")
	if len(hexPart) != 64 {
		return fmt.Errorf("TLS fingerprint hex must be 64 characters (SHA-256), got %d", len(hexPart))
	}
	if _, err := hex.DecodeString(hexPart); err != nil {
		return fmt.Errorf("TLS fingerprint contains invalid hex: %w", err)
	}
	return nil
}

// spkiFingerprint computes the "sha256:<hex>" SPKI pin of a certificate.
func spkiFingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// newPinnedTransport returns an http.Transport that accepts only a server
// whose leaf certificate matches the expected SPKI fingerprint. Chain
// verification is replaced by the pin, which is the point of pinning a
// self-signed inspection target.
func newPinnedTransport(expected string) *http.Transport {
	return &http.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				host = addr
			}
			conn, err := tls.Dial(network, addr, &tls.Config{
				ServerName:         host,
				InsecureSkipVerify: true, //nolint:gosec // pin below replaces chain verification
			})
			if err != nil {
				return nil, err
			}
			state := conn.ConnectionState()
			if len(state.PeerCertificates) == 0 {
				conn.Close()
				return nil, fmt.Errorf("no peer certificates presented")
			}
			if actual := spkiFingerprint(state.PeerCertificates[0]); actual != expected {
				conn.Close()
				return nil, fmt.Errorf("TLS fingerprint mismatch: expected %s, got %s", expected, actual)
			}
			return conn, nil
		},
	}
}
