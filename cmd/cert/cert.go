package cert

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// New returns the certificate management command tree.
func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Committee certificate tools",
	}

	cmd.AddCommand(newGenCmd())
	return cmd
}

func newGenCmd() *cobra.Command {
	var outDir string
	var domain string
	var parties int
	var extraHosts []string

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate the shared CA and per-validator leaf certificates",
		Run: func(cmd *cobra.Command, args []string) {
			if err := generateCerts(outDir, domain, parties, extraHosts); err != nil {
				log.Fatal().Err(err).Msg("Failed to generate certificates")
			}
		},
	}

	cmd.Flags().StringVarP(&outDir, "out", "o", "certs", "Output directory for certificates")
	cmd.Flags().StringVar(&domain, "domain", "", "Certificate CN domain suffix, e.g. bridge.internal")
	cmd.Flags().IntVarP(&parties, "parties", "n", 5, "Committee size")
	cmd.Flags().StringSliceVar(&extraHosts, "host", []string{"localhost", "127.0.0.1"}, "Extra hostnames/IPs for every leaf certificate")

	return cmd
}

// generateCerts writes ca.crt/ca.key plus validator-<i>.crt/.key for every
// committee member. Leafs carry both server and client auth so one pair
// covers the mesh bus in both directions.
func generateCerts(outDir, domain string, parties int, extraHosts []string) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}

	log.Info().Msg("Generating CA certificate...")
	caPriv, caCert, caPEM, caPrivPEM, err := generateCA()
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(outDir, "ca.crt"), caPEM, 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(outDir, "ca.key"), caPrivPEM, 0o600); err != nil {
		return err
	}

	for i := 1; i <= parties; i++ {
		name := fmt.Sprintf("validator-%d", i)
		cn := name
		if domain != "" {
			cn = fmt.Sprintf("%s.%s", name, domain)
		}
		hosts := append([]string{name, cn}, extraHosts...)

		log.Info().Str("cn", cn).Msg("Generating validator certificate...")
		certPEM, privPEM, err := generateLeafCert(cn, hosts, caCert, caPriv)
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(outDir, name+".crt"), certPEM, 0o644); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(outDir, name+".key"), privPEM, 0o600); err != nil {
			return err
		}
	}

	log.Info().Str("dir", outDir).Int("parties", parties).Msg("Certificates generated successfully")
	return nil
}

func generateCA() (*rsa.PrivateKey, *x509.Certificate, []byte, []byte, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 4096)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"Bridge Validator CA"},
			CommonName:   "Bridge Validator Root CA",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour * 10), // 10 years
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

	return priv, template, certPEM, privPEM, nil
}

func generateLeafCert(cn string, hosts []string, caCert *x509.Certificate, caKey *rsa.PrivateKey) ([]byte, []byte, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, err
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			Organization: []string{"Bridge Validator"},
			CommonName:   cn,
		},
		NotBefore: time.Now(),
		NotAfter:  time.Now().Add(365 * 24 * time.Hour), // 1 year
		KeyUsage:  x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		// Every validator dials and accepts, so one leaf serves both roles.
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, template, caCert, &priv.PublicKey, caKey)
	if err != nil {
		return nil, nil, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

	return certPEM, privPEM, nil
}
