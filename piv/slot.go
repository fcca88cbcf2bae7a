package piv

import (
	"bytes"
	"compress/gzip"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
)

const (
	tagCertContainer uint32 = 0x53
	tagCertBody      uint32 = 0x70
	tagCertComp      uint32 = 0x71
	tagCertIntegrity uint32 = 0xFE
)

// compGzip and compNone are the 0x71 compression-indicator values.
const (
	compNone = 0
	compGzip = 1
)

// ReadCert reads and parses the certificate container for one slot,
// decompressing it if indicated, and inserts or replaces the
// corresponding Slot entry on the token.
func (tk *Token) ReadCert(slot SlotID) (*Slot, error) {
	tag, ok := certTags[slot]
	if !ok {
		return nil, newSlotErr(KindNotSupported, slot, fmt.Errorf("slot %02X has no certificate container", byte(slot)))
	}

	body, err := tk.readObject(tag)
	if err != nil {
		var pe *Error
		if errors.As(err, &pe) && pe.Kind == KindNotFound {
			pe.Slot = slot
		}
		return nil, err
	}

	r := NewTLVReader(body)
	container, ok, err := r.FindTag(tagCertContainer)
	if err != nil {
		return nil, newSlotErr(KindInvalidData, slot, err)
	}
	if !ok {
		return nil, newSlotErr(KindInvalidData, slot, fmt.Errorf("missing 0x53 container"))
	}

	inner := NewTLVReader(container)
	var der []byte
	comp := compNone
	for inner.Len() > 0 {
		itag, ival, err := inner.ReadTLV()
		if err != nil {
			return nil, newSlotErr(KindInvalidData, slot, err)
		}
		switch itag {
		case tagCertBody:
			der = ival
		case tagCertComp:
			if len(ival) == 1 {
				comp = int(ival[0])
			}
		case tagCertIntegrity:
			// Presence is accepted and ignored; real cards vary on
			// whether this trailer byte is populated.
		}
	}
	if der == nil {
		return nil, newSlotErr(KindInvalidData, slot, fmt.Errorf("missing 0x70 certificate body"))
	}

	if comp == compGzip {
		zr, err := gzip.NewReader(bytes.NewReader(der))
		if err != nil {
			return nil, newSlotErr(KindInvalidData, slot, fmt.Errorf("gzip header: %w", err))
		}
		decompressed, err := io.ReadAll(zr)
		if err != nil {
			return nil, newSlotErr(KindInvalidData, slot, fmt.Errorf("gzip body: %w", err))
		}
		der = decompressed
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, newSlotErr(KindInvalidData, slot, fmt.Errorf("parse x509: %w", err))
	}

	alg, err := algorithmForPublicKey(cert.PublicKey)
	if err != nil {
		return nil, newSlotErr(KindInvalidData, slot, err)
	}

	s := &Slot{
		ID:        slot,
		Algorithm: alg,
		Cert:      cert,
		Subject:   cert.Subject.String(),
		PublicKey: cert.PublicKey,
	}
	tk.replaceSlot(s)
	return s, nil
}

// ReadAllCerts iterates StandardSlots, swallowing only not-found and
// not-supported errors; any other failure aborts and is returned.
func (tk *Token) ReadAllCerts() ([]*Slot, error) {
	var out []*Slot
	for _, slot := range StandardSlots() {
		s, err := tk.ReadCert(slot)
		if err != nil {
			var pe *Error
			if errors.As(err, &pe) && (pe.Kind == KindNotFound || pe.Kind == KindNotSupported) {
				continue
			}
			return out, err
		}
		out = append(out, s)
	}
	return out, nil
}

func algorithmForPublicKey(pub any) (Algorithm, error) {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		switch k.N.BitLen() {
		case 1024:
			return AlgRSA1024, nil
		case 2048:
			return AlgRSA2048, nil
		default:
			return 0, fmt.Errorf("unsupported RSA key size %d", k.N.BitLen())
		}
	case *ecdsa.PublicKey:
		switch k.Curve.Params().BitSize {
		case 256:
			return AlgECCP256, nil
		case 384:
			return AlgECCP384, nil
		default:
			return 0, fmt.Errorf("unsupported EC curve bit size %d", k.Curve.Params().BitSize)
		}
	default:
		return 0, fmt.Errorf("unsupported public key type %T", pub)
	}
}
