// Package cardio provides low-level smart-card transport and symmetric
// block-cipher primitives shared by higher-level card protocols.
package cardio

import (
	"crypto/aes"
	"crypto/des"
	"fmt"
)

// AESBlockSize and DESBlockSize are the cipher block sizes this package
// deals in; PIV's symmetric admin challenge-response always exchanges
// exactly one block.
const (
	AESBlockSize = 16
	DESBlockSize = 8
)

// AESECBEncrypt encrypts a single 16-byte block with raw AES-ECB (no
// chaining, no padding). Used for the single-block challenge/witness
// exchange in PIV admin authentication when the admin key is AES.
func AESECBEncrypt(key, block []byte) ([]byte, error) {
	if len(block) != AESBlockSize {
		return nil, fmt.Errorf("cardio: AES block must be %d bytes, got %d", AESBlockSize, len(block))
	}
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, AESBlockSize)
	c.Encrypt(out, block)
	return out, nil
}

// AESECBDecrypt is the inverse of AESECBEncrypt.
func AESECBDecrypt(key, block []byte) ([]byte, error) {
	if len(block) != AESBlockSize {
		return nil, fmt.Errorf("cardio: AES block must be %d bytes, got %d", AESBlockSize, len(block))
	}
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, AESBlockSize)
	c.Decrypt(out, block)
	return out, nil
}

// TripleDESECBEncrypt encrypts a single 8-byte block with raw 3DES-ECB.
// key must be 24 bytes (two-key 3DES should be expanded to K1||K2||K1 by
// the caller, as YubicoPIV only ever stores 24-byte admin keys).
func TripleDESECBEncrypt(key, block []byte) ([]byte, error) {
	if len(block) != DESBlockSize {
		return nil, fmt.Errorf("cardio: DES block must be %d bytes, got %d", DESBlockSize, len(block))
	}
	c, err := des.NewTripleDESCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, DESBlockSize)
	c.Encrypt(out, block)
	return out, nil
}

// TripleDESECBDecrypt is the inverse of TripleDESECBEncrypt.
func TripleDESECBDecrypt(key, block []byte) ([]byte, error) {
	if len(block) != DESBlockSize {
		return nil, fmt.Errorf("cardio: DES block must be %d bytes, got %d", DESBlockSize, len(block))
	}
	c, err := des.NewTripleDESCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, DESBlockSize)
	c.Decrypt(out, block)
	return out, nil
}

// Expand2KeyTripleDES expands a 16-byte two-key 3DES key (K1||K2) into the
// 24-byte form (K1||K2||K1) crypto/des expects.
func Expand2KeyTripleDES(key16 []byte) ([]byte, error) {
	if len(key16) != 16 {
		return nil, fmt.Errorf("cardio: 2-key 3DES input must be 16 bytes, got %d", len(key16))
	}
	out := make([]byte, 24)
	copy(out[0:16], key16)
	copy(out[16:24], key16[0:8])
	return out, nil
}
