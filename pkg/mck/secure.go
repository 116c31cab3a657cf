package mck

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

const (
	certificateFile = "mck-ca.crt"
	keyFile         = "mck-ca.key"
)

// Make sure a CA certificate and key exist in dir, creating them if needed.
func requireCertificates(dir string) error {
	_, errCertificate := os.Stat(filepath.Join(dir, certificateFile))
	_, errKey := os.Stat(filepath.Join(dir, keyFile))
	if os.IsNotExist(errCertificate) || os.IsNotExist(errKey) {
		return createCertificates(dir)
	}
	return nil
}

func newCertificateTemplate() (x509.Certificate, error) {
	notBefore := time.Now().Add(-time.Minute)
	notAfter := notBefore.Add(365 * 24 * time.Hour)

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return x509.Certificate{}, errors.Wrap(err, "Failed to generate serial number")
	}

	return x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Multi-Cloud Kit"},
		},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		BasicConstraintsValid: true,
	}, nil
}

func createCertificates(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return err
	}

	template, err := newCertificateTemplate()
	if err != nil {
		return err
	}
	template.IsCA = true
	template.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature

	certBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return err
	}
	if err := writePem(filepath.Join(dir, certificateFile), "CERTIFICATE", certBytes); err != nil {
		return err
	}

	keyBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return err
	}
	return writePem(filepath.Join(dir, keyFile), "PRIVATE KEY", keyBytes)
}

func writePem(path, blockType string, der []byte) error {
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if err := pem.Encode(out, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func createServerKeyPair(parent *x509.Certificate, parentKey interface{}, hosts []string) ([]byte, []byte, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, err
	}

	var cert, key bytes.Buffer

	template, err := newCertificateTemplate()
	if err != nil {
		return nil, nil, err
	}
	template.KeyUsage = x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature
	template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}

	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	certBytes, err := x509.CreateCertificate(rand.Reader, &template, parent, &priv.PublicKey, parentKey)
	if err != nil {
		return nil, nil, err
	}
	if err := pem.Encode(&cert, &pem.Block{Type: "CERTIFICATE", Bytes: certBytes}); err != nil {
		return nil, nil, err
	}

	keyBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, err
	}
	if err := pem.Encode(&key, &pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes}); err != nil {
		return nil, nil, err
	}

	return cert.Bytes(), key.Bytes(), nil
}

// LoadCertificates returns a server certificate for hosts signed by the CA
// kept in dir (created on first use), along with a pool trusting that CA.
func LoadCertificates(dir string, hosts []string) (*tls.Certificate, *x509.CertPool, error) {
	if err := requireCertificates(dir); err != nil {
		return nil, nil, errors.Wrap(err, "Failed to create CA certificate")
	}

	ca, err := tls.LoadX509KeyPair(filepath.Join(dir, certificateFile), filepath.Join(dir, keyFile))
	if err != nil {
		return nil, nil, err
	}
	caCert, err := x509.ParseCertificate(ca.Certificate[0])
	if err != nil {
		return nil, nil, err
	}

	certPem, keyPem, err := createServerKeyPair(caCert, ca.PrivateKey, hosts)
	if err != nil {
		return nil, nil, errors.Wrap(err, "Failed to create server certificate")
	}
	cert, err := tls.X509KeyPair(certPem, keyPem)
	if err != nil {
		return nil, nil, err
	}

	pool := x509.NewCertPool()
	pool.AddCert(caCert)
	return &cert, pool, nil
}
