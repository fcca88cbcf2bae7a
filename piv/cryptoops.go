package piv

import (
	"bytes"
	"compress/gzip"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"crypto/x509"
	"fmt"
	"hash"
	"math/big"
)

const (
	tagGAChallenge  uint32 = 0x81
	tagGAResponse   uint32 = 0x82
	tagGAExpPubKey  uint32 = 0x85
	tagPubKeyInfo   uint32 = 0x7F49
	tagRSAModulus   uint32 = 0x81
	tagRSAExponent  uint32 = 0x82
	tagECPoint      uint32 = 0x86
	tagGenAlgorithm uint32 = 0x80
	tagPINPolicy    uint32 = 0xAA
	tagTouchPolicy  uint32 = 0xAB
)

func hashForAlgorithm(alg Algorithm) (hash.Hash, x509.SignatureAlgorithm, error) {
	switch alg {
	case AlgRSA1024, AlgRSA2048:
		return sha256.New(), x509.SHA256WithRSA, nil
	case AlgECCP256D1:
		return sha1.New(), x509.ECDSAWithSHA1, nil
	case AlgECCP256, AlgECCP256D2:
		return sha256.New(), x509.ECDSAWithSHA256, nil
	case AlgECCP384:
		return sha512.New384(), x509.ECDSAWithSHA384, nil
	default:
		return nil, 0, fmt.Errorf("no default hash for algorithm %02X", byte(alg))
	}
}

// SignPrehash sends digest directly to GENERAL AUTHENTICATE without
// hashing it host-side; the slot's algorithm must be pre-hash capable
// (anything except 0xF0/0xF1, which hash on-card).
func (tk *Token) SignPrehash(slot SlotID, alg Algorithm, digest []byte) ([]byte, error) {
	if alg == AlgECCP256D1 || alg == AlgECCP256D2 {
		return nil, newSlotErr(KindNotSupported, slot, fmt.Errorf("algorithm %02X hashes on-card, use Sign", byte(alg)))
	}
	return tk.generalAuthSign(slot, alg, digest)
}

// Sign hashes payload host-side with an algorithm appropriate to the
// slot's key (SHA-256/384 for EC, SHA-256 for RSA), pads as required for
// RSA, and sends the result via GENERAL AUTHENTICATE. It returns the
// signature and the hash algorithm used. The hash is chosen from alg
// alone; the card's advertised algorithm list is not consulted. For
// 0xF0/0xF1 the raw payload is sent and the card hashes it (SHA-1 and
// SHA-256 respectively).
func (tk *Token) Sign(slot SlotID, alg Algorithm, payload []byte) (sig []byte, used x509.SignatureAlgorithm, err error) {
	if alg == AlgECCP256D1 || alg == AlgECCP256D2 {
		used = x509.ECDSAWithSHA256
		if alg == AlgECCP256D1 {
			used = x509.ECDSAWithSHA1
		}
		sig, err = tk.generalAuthSign(slot, alg, payload)
		return sig, used, err
	}

	h, sa, err := hashForAlgorithm(alg)
	if err != nil {
		return nil, 0, newSlotErr(KindNotSupported, slot, err)
	}
	h.Write(payload)
	digest := h.Sum(nil)

	input := digest
	if alg == AlgRSA1024 || alg == AlgRSA2048 {
		input, err = rsaDigestInfo(alg, sa, digest)
		if err != nil {
			return nil, 0, newSlotErr(KindInvalidData, slot, err)
		}
	}

	sig, err = tk.generalAuthSign(slot, alg, input)
	return sig, sa, err
}

func (tk *Token) generalAuthSign(slot SlotID, alg Algorithm, input []byte) ([]byte, error) {
	body := append(append([]byte{}, TagValue(tagGAChallenge, input)...), TagValue(tagGAResponse, nil)...)
	resp, sw, err := tk.TransceiveChain(claISO, insGeneralAuth, byte(alg), byte(slot), TagValue(0x7C, body), 65536)
	if err != nil {
		return nil, err
	}
	if classifySW(sw) == swSecurityNotSatisfied {
		return nil, newSlotErr(KindPermission, slot, fmt.Errorf("PIN or admin auth required"))
	}
	if classifySW(sw) != swOK {
		return nil, newAPDUErr(sw)
	}
	return extractGA(resp, tagGAResponse)
}

// rsaModulusLen returns the modulus size in bytes PIV's RSA algorithm
// identifiers imply; EMSA-PKCS1-v1_5 padding is sized against this,
// since the card returns no public-key material at sign time.
func rsaModulusLen(alg Algorithm) (int, error) {
	switch alg {
	case AlgRSA1024:
		return 128, nil
	case AlgRSA2048:
		return 256, nil
	default:
		return 0, fmt.Errorf("not an RSA algorithm %02X", byte(alg))
	}
}

// rsaDigestInfo builds the EMSA-PKCS1-v1_5 encoded block PIV expects the
// card to sign raw: 0x00 0x01 FF..FF 0x00 || DigestInfo, padded out to
// the slot's modulus length, matching crypto/rsa's internal ASN.1
// prefixes for the hash algorithms PIV supports.
func rsaDigestInfo(alg Algorithm, sa x509.SignatureAlgorithm, digest []byte) ([]byte, error) {
	var prefix []byte
	switch sa {
	case x509.SHA256WithRSA:
		prefix = []byte{0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20}
	default:
		return nil, fmt.Errorf("unsupported RSA digest algorithm %v", sa)
	}
	digestInfo := append(append([]byte{}, prefix...), digest...)

	modLen, err := rsaModulusLen(alg)
	if err != nil {
		return nil, err
	}
	padLen := modLen - len(digestInfo) - 3
	if padLen < 8 {
		return nil, fmt.Errorf("modulus too small for digest info")
	}

	block := make([]byte, 0, modLen)
	block = append(block, 0x00, 0x01)
	for i := 0; i < padLen; i++ {
		block = append(block, 0xFF)
	}
	block = append(block, 0x00)
	block = append(block, digestInfo...)
	return block, nil
}

// ECDH asks the card to derive a shared secret between its slot private
// key and the supplied uncompressed SEC1 point, returning the x-coordinate
// of the resulting point.
func (tk *Token) ECDH(slot SlotID, alg Algorithm, peerPoint []byte) ([]byte, error) {
	body := TagValue(0x7C, TagValue(tagGAExpPubKey, peerPoint))
	resp, sw, err := tk.Transceive(Command{CLA: claISO, INS: insGeneralAuth, P1: byte(alg), P2: byte(slot), Data: body, Le: 256})
	if err != nil {
		return nil, err
	}
	if classifySW(sw) == swSecurityNotSatisfied {
		return nil, newSlotErr(KindPermission, slot, fmt.Errorf("PIN or admin auth required"))
	}
	if classifySW(sw) != swOK {
		return nil, newAPDUErr(sw)
	}
	return extractGA(resp, tagGAResponse)
}

// GeneratedKey is the parsed response of Generate: the slot's new public
// key, in whatever concrete type matches its algorithm.
type GeneratedKey struct {
	Algorithm Algorithm
	PublicKey any
}

// Generate issues GENERATE ASYMMETRIC for the given slot and algorithm,
// with optional YubicoPIV PIN/touch policy, and parses the returned
// public key.
func (tk *Token) Generate(slot SlotID, alg Algorithm, pinPolicy PINPolicy, touchPolicy TouchPolicy) (*GeneratedKey, error) {
	body := TagValue(tagGenAlgorithm, []byte{byte(alg)})
	if pinPolicy != PINPolicyDefault {
		body = append(body, TagValue(tagPINPolicy, []byte{byte(pinPolicy)})...)
	}
	if touchPolicy != TouchPolicyDefault {
		body = append(body, TagValue(tagTouchPolicy, []byte{byte(touchPolicy)})...)
	}
	cmd := Command{CLA: claISO, INS: insGenerateAsym, P2: byte(slot), Data: TagValue(0xAC, body), Le: 65536}
	resp, sw, err := tk.Transceive(cmd)
	if err != nil {
		return nil, err
	}
	if classifySW(sw) == swSecurityNotSatisfied {
		return nil, newSlotErr(KindPermission, slot, fmt.Errorf("admin auth required"))
	}
	if classifySW(sw) != swOK {
		return nil, newAPDUErr(sw)
	}

	r := NewTLVReader(resp)
	pubTLV, ok, err := r.FindTag(tagPubKeyInfo)
	if err != nil {
		return nil, newSlotErr(KindInvalidData, slot, err)
	}
	if !ok {
		return nil, newSlotErr(KindInvalidData, slot, fmt.Errorf("missing 0x7F49 public key envelope"))
	}

	pub, err := parseGeneratedPublicKey(alg, pubTLV)
	if err != nil {
		return nil, newSlotErr(KindInvalidData, slot, err)
	}
	return &GeneratedKey{Algorithm: alg, PublicKey: pub}, nil
}

func parseGeneratedPublicKey(alg Algorithm, body []byte) (any, error) {
	r := NewTLVReader(body)
	switch alg {
	case AlgRSA1024, AlgRSA2048:
		var modulus, exponent []byte
		for r.Len() > 0 {
			tag, value, err := r.ReadTLV()
			if err != nil {
				return nil, err
			}
			switch tag {
			case tagRSAModulus:
				modulus = value
			case tagRSAExponent:
				exponent = value
			}
		}
		if modulus == nil || exponent == nil {
			return nil, fmt.Errorf("incomplete RSA public key")
		}
		return &rsa.PublicKey{
			N: new(big.Int).SetBytes(modulus),
			E: int(new(big.Int).SetBytes(exponent).Int64()),
		}, nil
	case AlgECCP256, AlgECCP384, AlgECCP256D1, AlgECCP256D2:
		var point []byte
		for r.Len() > 0 {
			tag, value, err := r.ReadTLV()
			if err != nil {
				return nil, err
			}
			if tag == tagECPoint {
				point = value
			}
		}
		if point == nil {
			return nil, fmt.Errorf("missing EC point")
		}
		curve := ellipticCurveForAlgorithm(alg)
		x, y := elliptic.Unmarshal(curve, point)
		if x == nil {
			return nil, fmt.Errorf("invalid EC point encoding")
		}
		return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
	default:
		return nil, fmt.Errorf("unsupported generate algorithm %02X", byte(alg))
	}
}

func ellipticCurveForAlgorithm(alg Algorithm) elliptic.Curve {
	if alg == AlgECCP384 {
		return elliptic.P384()
	}
	return elliptic.P256()
}

// WriteCert packages a certificate into the same TLV wrapper ReadCert
// parses and issues PUT DATA, chaining automatically if the body exceeds
// one frame. With compressed set, the DER is gzip-compressed and the
// compression indicator is set to 1.
func (tk *Token) WriteCert(slot SlotID, der []byte, compressed bool) error {
	tag, ok := certTags[slot]
	if !ok {
		return newSlotErr(KindNotSupported, slot, fmt.Errorf("slot %02X has no certificate container", byte(slot)))
	}

	comp := byte(compNone)
	if compressed {
		comp = compGzip
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(der); err != nil {
			return newSlotErr(KindInvalidData, slot, err)
		}
		if err := zw.Close(); err != nil {
			return newSlotErr(KindInvalidData, slot, err)
		}
		der = buf.Bytes()
	}
	inner := append(append([]byte{}, TagValue(tagCertBody, der)...), TagValue(tagCertComp, []byte{comp})...)
	inner = append(inner, TagValue(tagCertIntegrity, nil)...)
	container := TagValue(tagCertContainer, inner)

	body := append(TagValue(0x5C, encodeTag(tag)), container...)
	_, sw, err := tk.TransceiveChain(claISO, insPutData, 0x3F, 0xFF, body, 0)
	if err != nil {
		return err
	}
	if classifySW(sw) == swSecurityNotSatisfied {
		return newSlotErr(KindPermission, slot, fmt.Errorf("admin auth required"))
	}
	if classifySW(sw) != swOK {
		return newAPDUErr(sw)
	}
	return nil
}

// AuthKey performs a proof-of-possession check: it generates fresh random
// challenge bytes, asks the card to sign them with the slot, and verifies
// the signature against the caller-supplied public key. A mismatch
// returns KindNotMatch.
func (tk *Token) AuthKey(slot SlotID, alg Algorithm, expected any) error {
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return newErr(KindIO, err)
	}

	sig, sa, err := tk.Sign(slot, alg, challenge)
	if err != nil {
		return err
	}

	switch pub := expected.(type) {
	case *rsa.PublicKey:
		h, _, err := hashForAlgorithm(alg)
		if err != nil {
			return newSlotErr(KindNotSupported, slot, err)
		}
		h.Write(challenge)
		if err := rsa.VerifyPKCS1v15(pub, hashFuncFor(sa), h.Sum(nil), sig); err != nil {
			return newSlotErr(KindNotMatch, slot, err)
		}

	case *ecdsa.PublicKey:
		h, _, err := hashForAlgorithm(alg)
		if err != nil {
			return newSlotErr(KindNotSupported, slot, err)
		}
		h.Write(challenge)
		if !ecdsa.VerifyASN1(pub, h.Sum(nil), sig) {
			return newSlotErr(KindNotMatch, slot, fmt.Errorf("signature verification failed"))
		}
	default:
		return newSlotErr(KindNotSupported, slot, fmt.Errorf("unsupported public key type %T", expected))
	}
	return nil
}

func hashFuncFor(sa x509.SignatureAlgorithm) crypto.Hash {
	switch sa {
	case x509.SHA256WithRSA, x509.ECDSAWithSHA256:
		return crypto.SHA256
	case x509.ECDSAWithSHA384:
		return crypto.SHA384
	default:
		return crypto.SHA256
	}
}

// constantTimeZero is used by components that hold admin/ephemeral key
// material to clear it on every exit path.
func constantTimeZero(b []byte) {
	subtle.ConstantTimeCopy(1, b, make([]byte, len(b)))
	for i := range b {
		b[i] = 0
	}
}
