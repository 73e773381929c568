// Package tlsutil loads the TLS material the proxy needs: the server
// certificate chain and key for the client-facing listener, and the CA
// bundle used to validate the upstream LDAPS server.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// ListenerConfig builds a server-side tls.Config from a PEM certificate
// chain and key file, for the client-facing listener.
func ListenerConfig(chainPath, keyPath string) (*tls.Config, error) {
	const op = "tlsutil.ListenerConfig"

	cert, err := tls.LoadX509KeyPair(chainPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("%s: loading certificate: %w", op, err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// UpstreamConfig builds a client-side tls.Config trusting caBundlePath
// for validating the upstream LDAPS server. Hostname verification is
// always enabled; callers must not set InsecureSkipVerify afterward.
func UpstreamConfig(caBundlePath string) (*tls.Config, error) {
	const op = "tlsutil.UpstreamConfig"

	pool := x509.NewCertPool()
	if caBundlePath != "" {
		pem, err := os.ReadFile(caBundlePath)
		if err != nil {
			return nil, fmt.Errorf("%s: reading ca bundle: %w", op, err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%s: no certificates found in %s", op, caBundlePath)
		}
	} else {
		var err error
		pool, err = x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("%s: loading system cert pool: %w", op, err)
		}
	}
	return &tls.Config{
		RootCAs:    pool,
		MinVersion: tls.VersionTLS12,
	}, nil
}
