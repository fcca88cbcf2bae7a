package piv

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Box is the ECDH sealed-box envelope: ciphertext bound to a recipient
// card/slot, openable only by that slot's private key. Box is
// independently owned and carries no shared state; the serialized form
// never contains plaintext.
type Box struct {
	GUIDSlotValid bool
	GUID          [16]byte
	Slot          SlotID

	EphemeralPublicKey *ecdsa.PublicKey
	RecipientPublicKey *ecdsa.PublicKey

	Cipher string
	KDF    string

	IV         []byte
	Ciphertext []byte

	plaintext []byte
}

const (
	cipherChaCha20Poly1305 = "chacha20-poly1305"
	cipherAES256GCM        = "aes256-gcm"
	kdfHKDFSHA256          = "hkdf-sha256"

	boxMagic        = "PIVBOX1\x00"
	boxVersion byte = 1
)

// SetData stages plaintext for Seal. Only one of plaintext/ciphertext may
// be present on a Box at a time; SetData clears Ciphertext.
func (b *Box) SetData(plaintext []byte) {
	b.plaintext = append([]byte{}, plaintext...)
	b.Ciphertext = nil
}

// TakeData returns the plaintext staged by Open and drops the Box's
// reference to it.
func (b *Box) TakeData() []byte {
	out := b.plaintext
	b.plaintext = nil
	return out
}

// curveForKey returns the crypto/ecdh curve matching an ECDSA public key's
// curve, the only conversion Go's split ecdsa/ecdh API requires.
func curveForKey(pub *ecdsa.PublicKey) (ecdh.Curve, error) {
	switch pub.Curve.Params().BitSize {
	case 256:
		return ecdh.P256(), nil
	case 384:
		return ecdh.P384(), nil
	default:
		return nil, fmt.Errorf("unsupported curve bit size %d", pub.Curve.Params().BitSize)
	}
}

func ecdsaToECDH(pub *ecdsa.PublicKey) (*ecdh.PublicKey, error) {
	curve, err := curveForKey(pub)
	if err != nil {
		return nil, err
	}
	return curve.NewPublicKey(marshalECPoint(pub))
}

// marshalECPoint produces the uncompressed SEC1 point encoding crypto/ecdh
// expects from an *ecdsa.PublicKey.
func marshalECPoint(pub *ecdsa.PublicKey) []byte {
	byteLen := (pub.Curve.Params().BitSize + 7) / 8
	out := make([]byte, 1+2*byteLen)
	out[0] = 4
	pub.X.FillBytes(out[1 : 1+byteLen])
	pub.Y.FillBytes(out[1+byteLen:])
	return out
}

func deriveKey(z []byte, cipherName string) ([]byte, error) {
	keyLen, err := keyLenForCipher(cipherName)
	if err != nil {
		return nil, err
	}
	kdf := hkdf.New(sha256.New, z, nil, []byte("piv-ecdh-box"))
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	return key, nil
}

func keyLenForCipher(name string) (int, error) {
	switch name {
	case cipherChaCha20Poly1305:
		return chacha20poly1305.KeySize, nil
	case cipherAES256GCM:
		return 32, nil
	default:
		return 0, fmt.Errorf("unknown cipher %q", name)
	}
}

func newAEAD(name string, key []byte) (cipher.AEAD, error) {
	switch name {
	case cipherChaCha20Poly1305:
		return chacha20poly1305.New(key)
	case cipherAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	default:
		return nil, fmt.Errorf("unknown cipher %q", name)
	}
}

// sealWithSharedSecret is the common tail of Seal and SealOffline: derive
// key from z, draw a nonce, seal the plaintext, and populate the record
// fields. z is zeroed on every exit path.
func (b *Box) sealWithSharedSecret(z []byte) error {
	defer constantTimeZero(z)

	if b.Cipher == "" {
		b.Cipher = cipherChaCha20Poly1305
	}
	if b.KDF == "" {
		b.KDF = kdfHKDFSHA256
	}

	key, err := deriveKey(z, b.Cipher)
	if err != nil {
		return newErr(KindNotSupported, err)
	}
	defer constantTimeZero(key)

	aead, err := newAEAD(b.Cipher, key)
	if err != nil {
		return newErr(KindNotSupported, err)
	}

	iv := make([]byte, aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return newErr(KindIO, err)
	}

	b.IV = iv
	b.Ciphertext = aead.Seal(nil, iv, b.plaintext, nil)
	constantTimeZero(b.plaintext)
	b.plaintext = nil
	return nil
}

// Seal runs GENERATE-free ECDH against the target slot's public key using
// a fresh ephemeral key pair generated host-side (the slot's own private
// key never leaves the card; only the recipient's already-known public
// key is needed to seal). The plaintext staged by SetData is consumed.
func (tk *Token) Seal(box *Box, slot SlotID) error {
	s, ok := tk.SlotByID(slot)
	if !ok {
		return newSlotErr(KindNotFound, slot, fmt.Errorf("slot not read yet"))
	}
	pub, ok := s.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return newSlotErr(KindNotSupported, slot, fmt.Errorf("slot key is not EC"))
	}
	if err := SealOffline(box, pub); err != nil {
		return err
	}
	box.GUIDSlotValid = true
	box.GUID = tk.guid
	box.Slot = slot
	return nil
}

// SealOffline seals without a card present, given the recipient's public
// key directly. The box's GUID/Slot fields are left unset; FindToken
// falls back to public-key comparison for such boxes.
func SealOffline(box *Box, recipientPub *ecdsa.PublicKey) error {
	curve, err := curveForKey(recipientPub)
	if err != nil {
		return newErr(KindNotSupported, err)
	}
	ephemPriv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return newErr(KindIO, err)
	}
	recipientECDH, err := ecdsaToECDH(recipientPub)
	if err != nil {
		return newErr(KindNotSupported, err)
	}
	z, err := ephemPriv.ECDH(recipientECDH)
	if err != nil {
		return newErr(KindInvalidData, err)
	}

	ephemPub, err := ecdhToECDSA(ephemPriv.PublicKey(), recipientPub.Curve)
	if err != nil {
		return newErr(KindInvalidData, err)
	}

	box.EphemeralPublicKey = ephemPub
	box.RecipientPublicKey = recipientPub
	return box.sealWithSharedSecret(z)
}

func ecdhToECDSA(pub *ecdh.PublicKey, curve elliptic.Curve) (*ecdsa.PublicKey, error) {
	raw := pub.Bytes()
	if len(raw) < 1 || raw[0] != 4 {
		return nil, fmt.Errorf("unexpected point encoding")
	}
	byteLen := (len(raw) - 1) / 2
	x := new(big.Int).SetBytes(raw[1 : 1+byteLen])
	y := new(big.Int).SetBytes(raw[1+byteLen:])
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

// Open asks the card to perform ECDH between the target slot's private
// key and the box's ephemeral public key, then unwraps the ciphertext.
// An AEAD authentication failure returns KindIntegrity and leaves the
// plaintext buffer unpopulated.
func (tk *Token) Open(box *Box, slot SlotID, alg Algorithm) error {
	point := marshalECPoint(box.EphemeralPublicKey)
	zx, err := tk.ECDH(slot, alg, point)
	if err != nil {
		return err
	}
	defer constantTimeZero(zx)
	return box.openWithSharedSecret(zx)
}

// OpenOffline opens a box given the recipient's private key as an
// *ecdh.PrivateKey, without a card. It is provided for completeness of the offline seal
// path's round trip (testing, and hosts holding an exported key).
func OpenOffline(box *Box, recipientPriv *ecdh.PrivateKey) error {
	ephemECDH, err := ecdsaToECDH(box.EphemeralPublicKey)
	if err != nil {
		return newErr(KindNotSupported, err)
	}
	z, err := recipientPriv.ECDH(ephemECDH)
	if err != nil {
		return newErr(KindInvalidData, err)
	}
	defer constantTimeZero(z)
	return box.openWithSharedSecret(z)
}

func (b *Box) openWithSharedSecret(z []byte) error {
	key, err := deriveKey(z, b.Cipher)
	if err != nil {
		return newErr(KindNotSupported, err)
	}
	defer constantTimeZero(key)

	aead, err := newAEAD(b.Cipher, key)
	if err != nil {
		return newErr(KindNotSupported, err)
	}

	pt, err := aead.Open(nil, b.IV, b.Ciphertext, nil)
	if err != nil {
		return newErr(KindIntegrity, err)
	}
	b.plaintext = pt
	b.Ciphertext = nil
	return nil
}

// FindToken scans tokens for one holding the box's target: by GUID+slot
// if the box carries them, otherwise by comparing each token's slot
// public keys against the box's recorded recipient key.
func FindToken(tokens []*Token, box *Box) (*Token, SlotID, bool) {
	if box.GUIDSlotValid {
		for _, tk := range tokens {
			if tk.guid == box.GUID {
				return tk, box.Slot, true
			}
		}
		return nil, 0, false
	}
	for _, tk := range tokens {
		for _, s := range tk.Slots {
			pub, ok := s.PublicKey.(*ecdsa.PublicKey)
			if !ok {
				continue
			}
			if pub.Curve == box.RecipientPublicKey.Curve &&
				pub.X.Cmp(box.RecipientPublicKey.X) == 0 &&
				pub.Y.Cmp(box.RecipientPublicKey.Y) == 0 {
				return tk, s.ID, true
			}
		}
	}
	return nil, 0, false
}

// Serialize encodes the box into the self-describing wire format: magic,
// version, then length-prefixed fields. Plaintext is never included.
func (b *Box) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(boxMagic)
	buf.WriteByte(boxVersion)

	buf.WriteByte(boolByte(b.GUIDSlotValid))
	if b.GUIDSlotValid {
		buf.Write(b.GUID[:])
		buf.WriteByte(byte(b.Slot))
	}

	if err := writeECPoint(&buf, b.EphemeralPublicKey); err != nil {
		return nil, err
	}
	if err := writeECPoint(&buf, b.RecipientPublicKey); err != nil {
		return nil, err
	}
	writeLPString(&buf, b.Cipher)
	writeLPString(&buf, b.KDF)
	writeLPBytes(&buf, b.IV)
	writeLPBytes(&buf, b.Ciphertext)

	return buf.Bytes(), nil
}

// Deserialize parses a box produced by Serialize. An unrecognized version
// byte returns KindNotSupported.
func Deserialize(raw []byte) (*Box, error) {
	if len(raw) < len(boxMagic)+1 || string(raw[:len(boxMagic)]) != boxMagic {
		return nil, newErr(KindInvalidData, fmt.Errorf("bad magic"))
	}
	pos := len(boxMagic)
	version := raw[pos]
	pos++
	if version != boxVersion {
		return nil, newErr(KindNotSupported, fmt.Errorf("unsupported box version %d", version))
	}

	r := bytes.NewReader(raw[pos:])
	box := &Box{}

	hasGuidSlot, err := readByte(r)
	if err != nil {
		return nil, newErr(KindInvalidData, err)
	}
	box.GUIDSlotValid = hasGuidSlot != 0
	if box.GUIDSlotValid {
		if err := readFull(r, box.GUID[:]); err != nil {
			return nil, newErr(KindInvalidData, err)
		}
		slotByte, err := readByte(r)
		if err != nil {
			return nil, newErr(KindInvalidData, err)
		}
		box.Slot = SlotID(slotByte)
	}

	box.EphemeralPublicKey, err = readECPoint(r)
	if err != nil {
		return nil, newErr(KindInvalidData, err)
	}
	box.RecipientPublicKey, err = readECPoint(r)
	if err != nil {
		return nil, newErr(KindInvalidData, err)
	}
	box.Cipher, err = readLPString(r)
	if err != nil {
		return nil, newErr(KindInvalidData, err)
	}
	box.KDF, err = readLPString(r)
	if err != nil {
		return nil, newErr(KindInvalidData, err)
	}
	box.IV, err = readLPBytes(r)
	if err != nil {
		return nil, newErr(KindInvalidData, err)
	}
	box.Ciphertext, err = readLPBytes(r)
	if err != nil {
		return nil, newErr(KindInvalidData, err)
	}
	return box, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func writeLPBytes(buf *bytes.Buffer, data []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	buf.Write(lenBuf[:])
	buf.Write(data)
}

func writeLPString(buf *bytes.Buffer, s string) {
	writeLPBytes(buf, []byte(s))
}

func writeECPoint(buf *bytes.Buffer, pub *ecdsa.PublicKey) error {
	if pub == nil {
		writeLPBytes(buf, nil)
		return nil
	}
	writeLPBytes(buf, marshalECPoint(pub))
	return nil
}

func readByte(r *bytes.Reader) (byte, error) {
	return r.ReadByte()
}

func readFull(r *bytes.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	return err
}

func readLPBytes(r *bytes.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if err := readFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if n > 0 {
		if err := readFull(r, buf); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func readLPString(r *bytes.Reader) (string, error) {
	b, err := readLPBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func readECPoint(r *bytes.Reader) (*ecdsa.PublicKey, error) {
	raw, err := readLPBytes(r)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	if len(raw) < 1 || raw[0] != 4 {
		return nil, fmt.Errorf("unsupported point encoding")
	}
	byteLen := (len(raw) - 1) / 2
	curve := curveForByteLen(byteLen)
	x := new(big.Int).SetBytes(raw[1 : 1+byteLen])
	y := new(big.Int).SetBytes(raw[1+byteLen:])
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

func curveForByteLen(n int) elliptic.Curve {
	if n > 32 {
		return elliptic.P384()
	}
	return elliptic.P256()
}
