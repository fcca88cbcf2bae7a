package main

import (
	"encoding/hex"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/barnettlynn/pivgo/pkg/cardio"
	"github.com/barnettlynn/pivgo/piv"
)

func parseSlot(s string) piv.SlotID {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 8)
	if err != nil {
		log.Fatalf("invalid slot %q: %v", s, err)
	}
	return piv.SlotID(v)
}

func parseAlgorithm(s string) piv.Algorithm {
	switch strings.ToLower(s) {
	case "3des":
		return piv.AlgThreeDES
	case "rsa1024":
		return piv.AlgRSA1024
	case "rsa2048":
		return piv.AlgRSA2048
	case "aes128":
		return piv.AlgAES128
	case "aes192":
		return piv.AlgAES192
	case "aes256":
		return piv.AlgAES256
	case "eccp256":
		return piv.AlgECCP256
	case "eccp384":
		return piv.AlgECCP384
	case "eccp256d1":
		return piv.AlgECCP256D1
	case "eccp256d2":
		return piv.AlgECCP256D2
	default:
		log.Fatalf("unknown algorithm %q", s)
		return 0
	}
}

func parsePINPolicy(s string) piv.PINPolicy {
	switch strings.ToLower(s) {
	case "", "default":
		return piv.PINPolicyDefault
	case "never":
		return piv.PINPolicyNever
	case "once":
		return piv.PINPolicyOnce
	case "always":
		return piv.PINPolicyAlways
	default:
		log.Fatalf("unknown PIN policy %q", s)
		return 0
	}
}

func parseTouchPolicy(s string) piv.TouchPolicy {
	switch strings.ToLower(s) {
	case "", "default":
		return piv.TouchPolicyDefault
	case "never":
		return piv.TouchPolicyNever
	case "always":
		return piv.TouchPolicyAlways
	case "cached":
		return piv.TouchPolicyCached
	default:
		log.Fatalf("unknown touch policy %q", s)
		return 0
	}
}

func pinRef(s string) byte {
	switch strings.ToLower(s) {
	case "", "application", "app":
		return piv.PINApplication
	case "global":
		return piv.PINGlobal
	case "puk":
		return piv.PINPuk
	default:
		log.Fatalf("unknown PIN reference %q", s)
		return 0
	}
}

// requireAdminAuth authenticates tk's admin session. When keyDir is set,
// it tries every *.hex key in the directory in turn and stops at the
// first one the card accepts — useful during key rotation when it's
// unclear which of several candidate keys is currently active.
func requireAdminAuth(tk *piv.Token, keyFile, keyHex, keyDir string, alg piv.Algorithm) {
	if keyDir != "" {
		candidates, err := cardio.LoadAllHexKeys(keyDir)
		if err != nil {
			log.Fatalf("load admin key directory: %v", err)
		}
		if len(candidates) == 0 {
			log.Fatalf("no .hex key files found in %s", keyDir)
		}
		var lastErr error
		for _, c := range candidates {
			if lastErr = tk.AuthAdmin(c.Key, alg); lastErr == nil {
				return
			}
		}
		log.Fatalf("admin auth: none of %d candidate keys in %s matched: %v", len(candidates), keyDir, lastErr)
	}

	key := loadAdminKey(keyFile, keyHex)
	if err := tk.AuthAdmin(key, alg); err != nil {
		log.Fatalf("admin auth: %v", err)
	}
}

func loadAdminKey(keyFile, keyHex string) []byte {
	if keyHex != "" {
		b, err := hex.DecodeString(keyHex)
		if err != nil {
			log.Fatalf("invalid -admin-key hex: %v", err)
		}
		return b
	}
	if keyFile == "" {
		keyFile = cfg.Admin.KeyFile
	}
	if keyFile == "" {
		log.Fatalf("either -admin-key or -admin-key-file is required (and no config.yaml admin.key_file was found)")
	}
	key, err := cardio.LoadKeyHexFile(keyFile)
	if err != nil {
		log.Fatalf("load admin key file: %v", err)
	}
	return key
}

func mustHex(b []byte) string {
	return fmt.Sprintf("%X", b)
}

// defaultAdminAlg returns config.yaml's admin.algorithm if set, else "3des".
func defaultAdminAlg() string {
	if cfg.Admin.Algorithm != "" {
		return cfg.Admin.Algorithm
	}
	return "3des"
}
