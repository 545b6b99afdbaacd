package pe

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	"go.mozilla.org/pkcs7"
)

// SignatureInfo describes the Authenticode certificate table of an image.
// Rewriting an image invalidates it, so the writer never carries it over.
type SignatureInfo struct {
	IsSigned        bool
	Offset          uint32
	Size            uint32
	Certificates    []CertificateInfo
	DigestAlgorithm string
}

// CertificateInfo contains information about a certificate in the signature chain.
type CertificateInfo struct {
	Subject      string
	Issuer       string
	SerialNumber string
	NotBefore    time.Time
	NotAfter     time.Time
	IsValid      bool
}

// WIN_CERTIFICATE structure.
type winCertificate struct {
	Length          uint32
	Revision        uint16
	CertificateType uint16
}

// PE signature constants (Windows SDK naming convention).
//
//nolint:revive // ALL_CAPS matches Windows SDK naming
const (
	WIN_CERT_REVISION_2_0          = 0x0200
	WIN_CERT_TYPE_PKCS_SIGNED_DATA = 0x0002
)

// ReadAuthenticode inspects the certificate table (data directory 4).
// Unlike other directories its address is a file offset.
func ReadAuthenticode(h *Headers, r io.ReaderAt) (*SignatureInfo, error) {
	dir := h.DataDirectory(DirectorySecurity)
	info := &SignatureInfo{Offset: dir.VirtualAddress, Size: dir.Size}
	if dir.VirtualAddress == 0 || dir.Size == 0 {
		return info, nil
	}
	info.IsSigned = true

	var cert winCertificate
	err := binary.Read(io.NewSectionReader(r, int64(dir.VirtualAddress), int64(dir.Size)), binary.LittleEndian, &cert)
	if err != nil {
		return info, errors.Wrap(err, "read WIN_CERTIFICATE header")
	}
	if cert.Revision != WIN_CERT_REVISION_2_0 || cert.CertificateType != WIN_CERT_TYPE_PKCS_SIGNED_DATA {
		return info, errors.Errorf("unsupported certificate revision 0x%04X type 0x%04X", cert.Revision, cert.CertificateType)
	}
	if cert.Length < 8 || cert.Length > dir.Size {
		return info, errors.Errorf("certificate length %d does not fit directory size %d", cert.Length, dir.Size)
	}

	certData, err := ReadBounded(r, int64(dir.VirtualAddress)+8, cert.Length-8, "certificate data")
	if err != nil {
		return info, err
	}
	if err := parsePKCS7(certData, info); err != nil {
		return info, errors.Wrap(err, "parse PKCS#7 signature")
	}
	return info, nil
}

func parsePKCS7(data []byte, info *SignatureInfo) error {
	p7, err := pkcs7.Parse(data)
	if err != nil {
		return err
	}

	if len(p7.Signers) > 0 {
		info.DigestAlgorithm = p7.Signers[0].DigestAlgorithm.Algorithm.String()
	}

	now := time.Now()
	for _, cert := range p7.Certificates {
		info.Certificates = append(info.Certificates, CertificateInfo{
			Subject:      cert.Subject.String(),
			Issuer:       cert.Issuer.String(),
			SerialNumber: fmt.Sprintf("%X", cert.SerialNumber),
			NotBefore:    cert.NotBefore,
			NotAfter:     cert.NotAfter,
			IsValid:      now.After(cert.NotBefore) && now.Before(cert.NotAfter),
		})
	}
	return nil
}
