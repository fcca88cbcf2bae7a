package piv

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"

	"github.com/barnettlynn/pivgo/pkg/cardio"
)

const pinFieldLen = 8
const pinPadByte = 0xFF

// padPIN right-pads an ASCII numeric PIN to the 8-byte field PIV requires.
func padPIN(pin string) ([]byte, error) {
	if len(pin) > pinFieldLen {
		return nil, fmt.Errorf("pin longer than %d bytes", pinFieldLen)
	}
	out := make([]byte, pinFieldLen)
	for i := range out {
		out[i] = pinPadByte
	}
	copy(out, pin)
	return out, nil
}

// VerifyPIN authenticates the given PIN reference (PINApplication,
// PINGlobal, or PINPuk) for the remainder of the transaction.
//
// If canSkip is true, a zero-length probe VERIFY is sent first; a success
// response means the PIN is already verified and the call returns
// without prompting or consuming a retry. The probe also yields the
// current retry count, which is compared against minRetries (pass 0 to
// disable): if the probed count is already below the threshold, the PIN
// is never attempted and the call fails with KindWouldLockout.
//
// On success, retriesOut (if non-nil) is left unchanged. On an incorrect
// PIN, *retriesOut is set to the remaining count and the call returns a
// KindAccessDenied error. The pairing/biometric references 0x96, 0x97 and
// 0x98 are rejected with KindNotSupported without contacting the card.
func (tk *Token) VerifyPIN(ref byte, pin string, canSkip bool, minRetries int, retriesOut *int) error {
	if ref == 0x96 || ref == 0x97 || ref == 0x98 {
		return newErr(KindNotSupported, fmt.Errorf("PIN reference %02X is not supported", ref))
	}
	if canSkip {
		probe := Command{CLA: claISO, INS: insVerify, P2: ref}
		_, sw, err := tk.Transceive(probe)
		if err != nil {
			return err
		}
		switch classifySW(sw) {
		case swOK:
			if ref == PINApplication {
				tk.pinOK = true
			}
			return nil
		case swPINIncorrect:
			remaining := pinRetriesLeft(sw)
			tk.pinRetries = remaining
			if minRetries > 0 && remaining < minRetries {
				return &Error{Kind: KindWouldLockout, Retries: remaining}
			}
		}
	}

	body, err := padPIN(pin)
	if err != nil {
		return newErr(KindInvalidData, err)
	}
	defer constantTimeZero(body)
	cmd := Command{CLA: claISO, INS: insVerify, P2: ref, Data: body}
	_, sw, err := tk.Transceive(cmd)
	if err != nil {
		return err
	}

	switch classifySW(sw) {
	case swOK:
		if ref == PINApplication {
			tk.pinOK = true
		}
		return nil
	case swPINIncorrect:
		remaining := pinRetriesLeft(sw)
		tk.pinRetries = remaining
		if retriesOut != nil {
			*retriesOut = remaining
		}
		return &Error{Kind: KindAccessDenied, Retries: remaining}
	default:
		return newAPDUErr(sw)
	}
}

// ChangePIN sends CHANGE REFERENCE DATA (old-PIN || new-PIN, both padded).
// The references 0x96, 0x97 and 0x98 are rejected with KindNotSupported.
func (tk *Token) ChangePIN(ref byte, oldPIN, newPIN string) error {
	if ref == 0x96 || ref == 0x97 || ref == 0x98 {
		return newErr(KindNotSupported, fmt.Errorf("PIN reference %02X is not supported", ref))
	}
	oldBody, err := padPIN(oldPIN)
	if err != nil {
		return newErr(KindInvalidData, err)
	}
	defer constantTimeZero(oldBody)
	newBody, err := padPIN(newPIN)
	if err != nil {
		return newErr(KindInvalidData, err)
	}
	defer constantTimeZero(newBody)
	data := append(append([]byte{}, oldBody...), newBody...)
	defer constantTimeZero(data)
	cmd := Command{CLA: claISO, INS: insChangeRef, P2: ref, Data: data}
	_, sw, err := tk.Transceive(cmd)
	if err != nil {
		return err
	}
	switch classifySW(sw) {
	case swOK:
		return nil
	case swPINIncorrect:
		remaining := pinRetriesLeft(sw)
		tk.pinRetries = remaining
		return &Error{Kind: KindAccessDenied, Retries: remaining}
	default:
		return newAPDUErr(sw)
	}
}

// ResetPIN sends RESET RETRY COUNTER (PUK || new-PIN, both padded),
// unblocking and resetting the application PIN.
func (tk *Token) ResetPIN(puk, newPIN string) error {
	pukBody, err := padPIN(puk)
	if err != nil {
		return newErr(KindInvalidData, err)
	}
	defer constantTimeZero(pukBody)
	newBody, err := padPIN(newPIN)
	if err != nil {
		return newErr(KindInvalidData, err)
	}
	defer constantTimeZero(newBody)
	data := append(append([]byte{}, pukBody...), newBody...)
	defer constantTimeZero(data)
	cmd := Command{CLA: claISO, INS: insResetRetry, P2: PINApplication, Data: data}
	_, sw, err := tk.Transceive(cmd)
	if err != nil {
		return err
	}
	switch classifySW(sw) {
	case swOK:
		return nil
	case swPINIncorrect:
		remaining := pinRetriesLeft(sw)
		return &Error{Kind: KindAccessDenied, Retries: remaining}
	default:
		return newAPDUErr(sw)
	}
}

// AuthAdmin performs the symmetric mutual challenge-response admin
// authentication against slot 0x9B using GENERAL AUTHENTICATE, per the
// four-step protocol: witness request, witness decrypt, challenge
// request with proven witness, response verify.
func (tk *Token) AuthAdmin(key []byte, alg Algorithm) error {
	step1 := TagValue(0x7C, TagValue(0x80, nil))
	cmd1 := Command{CLA: claISO, INS: insGeneralAuth, P1: byte(alg), P2: byte(SlotAdmin), Data: step1, Le: 256}
	resp1, sw, err := tk.Transceive(cmd1)
	if err != nil {
		return err
	}
	if classifySW(sw) != swOK {
		return newAPDUErr(sw)
	}

	witnessCT, err := extractGA(resp1, 0x80)
	if err != nil {
		return newErr(KindInvalidData, err)
	}

	witness, err := adminDecryptBlock(alg, key, witnessCT)
	if err != nil {
		return newErr(KindInvalidData, err)
	}

	challenge := make([]byte, len(witness))
	if _, err := rand.Read(challenge); err != nil {
		return newErr(KindIO, err)
	}

	step2Body := append(append([]byte{}, TagValue(0x80, witness)...), TagValue(0x81, challenge)...)
	step2Body = append(step2Body, TagValue(0x82, nil)...)
	step2 := TagValue(0x7C, step2Body)
	cmd2 := Command{CLA: claISO, INS: insGeneralAuth, P1: byte(alg), P2: byte(SlotAdmin), Data: step2, Le: 256}
	resp2, sw, err := tk.Transceive(cmd2)
	if err != nil {
		return err
	}
	if classifySW(sw) != swOK {
		if classifySW(sw) == swSecurityNotSatisfied {
			return &Error{Kind: KindAccessDenied}
		}
		return newAPDUErr(sw)
	}

	responseCT, err := extractGA(resp2, 0x82)
	if err != nil {
		return newErr(KindInvalidData, err)
	}

	response, err := adminDecryptBlock(alg, key, responseCT)
	if err != nil {
		return newErr(KindInvalidData, err)
	}

	if len(response) != len(challenge) || subtle.ConstantTimeCompare(response, challenge) != 1 {
		return &Error{Kind: KindAccessDenied}
	}

	tk.adminOK = true
	tk.AdminAlgorithm = alg
	return nil
}

// extractGA unwraps the outer TLV(0x7C, ...) GENERAL AUTHENTICATE
// envelope and returns the value of the given inner tag.
func extractGA(resp []byte, innerTag uint32) ([]byte, error) {
	r := NewTLVReader(resp)
	outer, ok, err := r.FindTag(0x7C)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("general authenticate: missing 0x7C envelope")
	}
	inner := NewTLVReader(outer)
	value, ok, err := inner.FindTag(innerTag)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("general authenticate: missing tag %02X in 0x7C envelope", innerTag)
	}
	return value, nil
}

// adminDecryptBlock decrypts one single-block ciphertext under the admin
// key, dispatching on algorithm. PIV's admin challenge-response never
// chains blocks: 3DES operates on 8 bytes, AES on 16.
func adminDecryptBlock(alg Algorithm, key, ct []byte) ([]byte, error) {
	switch alg {
	case AlgThreeDES:
		k := key
		if len(k) == 16 {
			var err error
			k, err = cardio.Expand2KeyTripleDES(k)
			if err != nil {
				return nil, err
			}
		}
		return cardio.TripleDESECBDecrypt(k, ct)
	case AlgAES128, AlgAES192, AlgAES256:
		return cardio.AESECBDecrypt(key, ct)
	default:
		return nil, fmt.Errorf("unsupported admin-key algorithm %02X", byte(alg))
	}
}

// adminEncryptBlock is the encrypt-direction counterpart of
// adminDecryptBlock, used by tests constructing a deterministic mock
// witness.
func adminEncryptBlock(alg Algorithm, key, pt []byte) ([]byte, error) {
	switch alg {
	case AlgThreeDES:
		k := key
		if len(k) == 16 {
			var err error
			k, err = cardio.Expand2KeyTripleDES(k)
			if err != nil {
				return nil, err
			}
		}
		return cardio.TripleDESECBEncrypt(k, pt)
	case AlgAES128, AlgAES192, AlgAES256:
		return cardio.AESECBEncrypt(key, pt)
	default:
		return nil, fmt.Errorf("unsupported admin-key algorithm %02X", byte(alg))
	}
}
