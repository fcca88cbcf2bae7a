package cardio

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// KeyFile represents a symmetric key loaded from a .hex file.
type KeyFile struct {
	Name string // File name (e.g., "admin.hex")
	Key  []byte
}

// LoadKeyHexFile loads a symmetric key from a .hex file containing a
// single line of hexadecimal characters. Unlike a fixed-width DESFire AES
// key, the length is caller-validated: PIV admin keys may be 8 (single
// DES, rejected upstream), 16/24 (3DES, AES-128/192) or 32 (AES-256)
// bytes, and ECDH private key material varies by curve.
func LoadKeyHexFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		key, err := hex.DecodeString(line)
		if err != nil {
			return nil, fmt.Errorf("cardio: invalid hex key: %w", err)
		}
		return key, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, errors.New("cardio: key file is empty")
}

// LoadAllHexKeys loads all .hex key files from a directory, skipping
// unreadable or malformed files silently.
func LoadAllHexKeys(dir string) ([]KeyFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var keys []KeyFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.ToLower(filepath.Ext(e.Name())) != ".hex" {
			continue
		}

		path := filepath.Join(dir, e.Name())
		key, err := LoadKeyHexFile(path)
		if err != nil {
			continue
		}

		keys = append(keys, KeyFile{Name: e.Name(), Key: key})
	}

	return keys, nil
}
