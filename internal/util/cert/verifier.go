package cert

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// VerifyTLSConfig checks that the validator's certificate files exist,
// parse, have not expired and chain to the committee CA. Run at startup:
// a node with broken trust material must refuse to join the mesh.
func VerifyTLSConfig(certFile, keyFile, caCertFile string) error {
	if _, err := os.Stat(certFile); err != nil {
		return errors.Wrapf(err, "validator certificate file not found: %s", certFile)
	}
	if _, err := os.Stat(keyFile); err != nil {
		return errors.Wrapf(err, "validator key file not found: %s", keyFile)
	}
	if _, err := os.Stat(caCertFile); err != nil {
		return errors.Wrapf(err, "CA certificate file not found: %s", caCertFile)
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return errors.Wrap(err, "failed to load validator certificate key pair")
	}
	if len(cert.Certificate) == 0 {
		return errors.New("no certificate found in file")
	}
	x509Cert, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return errors.Wrap(err, "failed to parse validator certificate")
	}
	if time.Now().After(x509Cert.NotAfter) {
		return fmt.Errorf("validator certificate expired at %s", x509Cert.NotAfter)
	}
	if time.Now().Before(x509Cert.NotBefore) {
		return fmt.Errorf("validator certificate not valid until %s", x509Cert.NotBefore)
	}

	caBytes, err := os.ReadFile(caCertFile)
	if err != nil {
		return errors.Wrap(err, "failed to read CA certificate")
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caBytes) {
		return errors.New("failed to parse CA certificate")
	}

	opts := x509.VerifyOptions{
		Roots:     caCertPool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	if _, err := x509Cert.Verify(opts); err != nil {
		return errors.Wrap(err, "validator certificate does not chain to the committee CA")
	}

	if !strings.HasPrefix(x509Cert.Subject.CommonName, "validator-") {
		return errors.Errorf("certificate subject %q does not follow the validator-<id> convention", x509Cert.Subject.CommonName)
	}
	return nil
}
