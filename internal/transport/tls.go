package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"github.com/cobra-client-platform/internal/models"
)

// insecureCAFile disables peer verification when used as CA file
const insecureCAFile = "NONE"

// newTLSConfig builds the client TLS configuration. It returns nil when the
// system defaults apply.
func newTLSConfig(opts models.TLSOptions) (*tls.Config, error) {
	if opts.IsUsingSystemDefaults() && opts.MinVersion == "" {
		return nil, nil
	}

	cfg := &tls.Config{
		MinVersion: getTLSVersion(opts.MinVersion),
	}

	switch opts.CAFile {
	case "":
	case insecureCAFile:
		cfg.InsecureSkipVerify = true
	default:
		pem, err := os.ReadFile(opts.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificate found in CA file %s", opts.CAFile)
		}
		cfg.RootCAs = pool
	}

	if opts.CertFile != "" || opts.KeyFile != "" {
		if opts.CertFile == "" || opts.KeyFile == "" {
			return nil, fmt.Errorf("both cert file and key file are required")
		}
		cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if opts.Ciphers != "" {
		suites, err := parseCipherSuites(opts.Ciphers)
		if err != nil {
			return nil, err
		}
		cfg.CipherSuites = suites
	}

	return cfg, nil
}

// parseCipherSuites converts a comma, space or colon separated list of
// cipher suite names to their ids
func parseCipherSuites(list string) ([]uint16, error) {
	known := make(map[string]uint16)
	for _, s := range tls.CipherSuites() {
		known[s.Name] = s.ID
	}
	for _, s := range tls.InsecureCipherSuites() {
		known[s.Name] = s.ID
	}

	names := strings.FieldsFunc(list, func(r rune) bool {
		return r == ',' || r == ' ' || r == ':'
	})

	suites := make([]uint16, 0, len(names))
	for _, name := range names {
		id, ok := known[name]
		if !ok {
			return nil, fmt.Errorf("unknown cipher suite %q", name)
		}
		suites = append(suites, id)
	}
	return suites, nil
}

// getTLSVersion converts string to tls.Version constant
func getTLSVersion(version string) uint16 {
	switch version {
	case "1.3", "TLS1.3":
		return tls.VersionTLS13
	default:
		return tls.VersionTLS12
	}
}
