package main

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/barnettlynn/pivgo/pkg/cardio"
	"github.com/barnettlynn/pivgo/piv"
)

// withToken connects to a reader, begins a transaction, runs Select, and
// invokes fn; the connection and transaction are torn down when fn
// returns. Failures here and in fn exit through log.Fatalf, which skips
// that deferred teardown.
func withToken(readerFlag string, fn func(tk *piv.Token)) {
	conn := connectReader(readerFlag)
	defer conn.Close()

	tk := piv.NewToken(conn.Reader, conn)
	if err := tk.BeginTxn(); err != nil {
		log.Fatalf("begin transaction: %v", err)
	}
	defer tk.Release()

	if err := tk.Select(); err != nil {
		log.Fatalf("select PIV application: %v", err)
	}
	fn(tk)
}

func cmdEnumerate(args []string) {
	fs := flag.NewFlagSet("enumerate", flag.ExitOnError)
	fs.Parse(args)

	readers, err := cardio.ListReaders()
	if err != nil {
		log.Fatalf("list readers: %v", err)
	}

	tokens := piv.Enumerate(readers, func(reader string) (piv.Card, error) {
		return cardio.Connect(reader)
	}, nil)

	for _, tk := range tokens {
		expiry := tk.Expiry()
		fmt.Printf("%s\tGUID=%X\tFASCN=%X\texpiry=%s\tyubico=%v\talgorithms=%v\n", tk.Reader, tk.GUID(), tk.FASCN(), expiry[:], tk.Yubico, tk.Algorithms)
	}
}

func cmdCert(args []string) {
	fs := flag.NewFlagSet("cert", flag.ExitOnError)
	reader := fs.String("reader", "", "reader name (default: first)")
	slot := fs.String("slot", "9a", "slot ID (hex)")
	all := fs.Bool("all", false, "read every standard slot instead of just -slot")
	fs.Parse(args)

	withToken(*reader, func(tk *piv.Token) {
		if *all {
			slots, err := tk.ReadAllCerts()
			if err != nil {
				log.Fatalf("read all certs: %v", err)
			}
			for _, s := range slots {
				printCertPEM(s)
			}
			return
		}
		s, err := tk.ReadCert(parseSlot(*slot))
		if err != nil {
			log.Fatalf("read cert: %v", err)
		}
		printCertPEM(s)
	})
}

func printCertPEM(s *piv.Slot) {
	fmt.Printf("slot %02X: %s (alg %02X)\n", byte(s.ID), s.Subject, byte(s.Algorithm))
	if s.Cert != nil {
		pem.Encode(os.Stdout, &pem.Block{Type: "CERTIFICATE", Bytes: s.Cert.Raw})
	}
}

func cmdVerifyPIN(args []string) {
	fs := flag.NewFlagSet("verify-pin", flag.ExitOnError)
	reader := fs.String("reader", "", "reader name")
	ref := fs.String("ref", "application", "PIN reference: application|global|puk")
	fs.Parse(args)

	pin := promptPIN("PIN")
	withToken(*reader, func(tk *piv.Token) {
		var retries int
		if err := tk.VerifyPIN(pinRef(*ref), pin, true, 0, &retries); err != nil {
			log.Fatalf("verify PIN: %v (retries remaining: %d)", err, retries)
		}
		fmt.Println("PIN verified")
	})
}

func cmdChangePIN(args []string) {
	fs := flag.NewFlagSet("change-pin", flag.ExitOnError)
	reader := fs.String("reader", "", "reader name")
	ref := fs.String("ref", "application", "PIN reference: application|global|puk")
	fs.Parse(args)

	oldPIN := promptPIN("current PIN")
	newPIN := promptPIN("new PIN")
	withToken(*reader, func(tk *piv.Token) {
		if err := tk.ChangePIN(pinRef(*ref), oldPIN, newPIN); err != nil {
			log.Fatalf("change PIN: %v", err)
		}
		fmt.Println("PIN changed")
	})
}

func cmdResetPIN(args []string) {
	fs := flag.NewFlagSet("reset-pin", flag.ExitOnError)
	reader := fs.String("reader", "", "reader name")
	fs.Parse(args)

	puk := promptPIN("PUK")
	newPIN := promptPIN("new PIN")
	withToken(*reader, func(tk *piv.Token) {
		if err := tk.ResetPIN(puk, newPIN); err != nil {
			log.Fatalf("reset PIN: %v", err)
		}
		fmt.Println("PIN reset")
	})
}

func cmdAdminAuth(args []string) {
	fs := flag.NewFlagSet("admin-auth", flag.ExitOnError)
	reader := fs.String("reader", "", "reader name")
	keyFile := fs.String("admin-key-file", "", "path to admin key hex file")
	keyHex := fs.String("admin-key", "", "inline admin key hex")
	keyDir := fs.String("admin-key-dir", "", "directory of candidate admin key .hex files to try in turn")
	alg := fs.String("alg", defaultAdminAlg(), "admin key algorithm")
	fs.Parse(args)

	withToken(*reader, func(tk *piv.Token) {
		requireAdminAuth(tk, *keyFile, *keyHex, *keyDir, parseAlgorithm(*alg))
		fmt.Println("admin authenticated")
	})
}

func cmdRotateAdminKey(args []string) {
	fs := flag.NewFlagSet("rotate-admin-key", flag.ExitOnError)
	reader := fs.String("reader", "", "reader name")
	keyFile := fs.String("admin-key-file", "", "current admin key hex file")
	keyHex := fs.String("admin-key", "", "current inline admin key hex")
	keyDir := fs.String("admin-key-dir", "", "directory of candidate current admin key .hex files to try in turn")
	alg := fs.String("alg", defaultAdminAlg(), "current admin key algorithm")
	newKeyHex := fs.String("new-admin-key", "", "new admin key hex (required)")
	newAlg := fs.String("new-alg", "3des", "new admin key algorithm")
	touch := fs.String("touch-policy", "default", "touch policy for the new key")
	fs.Parse(args)

	if *newKeyHex == "" {
		log.Fatalf("-new-admin-key is required")
	}
	newKey, err := hex.DecodeString(*newKeyHex)
	if err != nil {
		log.Fatalf("invalid -new-admin-key hex: %v", err)
	}

	withToken(*reader, func(tk *piv.Token) {
		requireAdminAuth(tk, *keyFile, *keyHex, *keyDir, parseAlgorithm(*alg))
		if err := tk.SetAdminKey(newKey, parseAlgorithm(*newAlg), parseTouchPolicy(*touch)); err != nil {
			log.Fatalf("set admin key: %v", err)
		}
		fmt.Println("admin key rotated")
	})
}

func cmdSetPINRetries(args []string) {
	fs := flag.NewFlagSet("set-pin-retries", flag.ExitOnError)
	reader := fs.String("reader", "", "reader name")
	keyFile := fs.String("admin-key-file", "", "admin key hex file")
	keyHex := fs.String("admin-key", "", "inline admin key hex")
	keyDir := fs.String("admin-key-dir", "", "directory of candidate admin key .hex files to try in turn")
	alg := fs.String("alg", defaultAdminAlg(), "admin key algorithm")
	pinTries := fs.Int("pin-tries", 3, "maximum PIN retry count")
	pukTries := fs.Int("puk-tries", 3, "maximum PUK retry count")
	fs.Parse(args)

	pin := promptPIN("current PIN (required to commit the new retry counters)")

	withToken(*reader, func(tk *piv.Token) {
		requireAdminAuth(tk, *keyFile, *keyHex, *keyDir, parseAlgorithm(*alg))
		if err := tk.VerifyPIN(piv.PINApplication, pin, true, 0, nil); err != nil {
			log.Fatalf("verify PIN: %v", err)
		}
		if err := tk.SetPINRetries(byte(*pinTries), byte(*pukTries)); err != nil {
			log.Fatalf("set PIN retries: %v", err)
		}
		fmt.Println("PIN/PUK retry counters reset; PIN and PUK are now at factory defaults")
	})
}

func cmdGenerate(args []string) {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	reader := fs.String("reader", "", "reader name")
	slot := fs.String("slot", "9a", "slot ID (hex)")
	alg := fs.String("alg", "eccp256", "key algorithm")
	keyFile := fs.String("admin-key-file", "", "admin key hex file")
	keyHex := fs.String("admin-key", "", "inline admin key hex")
	keyDir := fs.String("admin-key-dir", "", "directory of candidate admin key .hex files to try in turn")
	adminAlg := fs.String("admin-alg", defaultAdminAlg(), "admin key algorithm")
	pinPolicy := fs.String("pin-policy", "default", "PIN policy")
	touchPolicy := fs.String("touch-policy", "default", "touch policy")
	fs.Parse(args)

	withToken(*reader, func(tk *piv.Token) {
		requireAdminAuth(tk, *keyFile, *keyHex, *keyDir, parseAlgorithm(*adminAlg))
		key, err := tk.Generate(parseSlot(*slot), parseAlgorithm(*alg), parsePINPolicy(*pinPolicy), parseTouchPolicy(*touchPolicy))
		if err != nil {
			log.Fatalf("generate: %v", err)
		}
		der, err := x509.MarshalPKIXPublicKey(key.PublicKey)
		if err != nil {
			log.Fatalf("marshal public key: %v", err)
		}
		pem.Encode(os.Stdout, &pem.Block{Type: "PUBLIC KEY", Bytes: der})
	})
}

func cmdSign(args []string) {
	fs := flag.NewFlagSet("sign", flag.ExitOnError)
	reader := fs.String("reader", "", "reader name")
	slot := fs.String("slot", "9c", "slot ID (hex)")
	alg := fs.String("alg", "eccp256", "key algorithm")
	dataHex := fs.String("data", "", "hex-encoded payload to sign (hashed host-side)")
	prehashHex := fs.String("prehash", "", "hex-encoded digest to sign as-is")
	fs.Parse(args)

	if *dataHex == "" && *prehashHex == "" {
		log.Fatalf("either -data or -prehash is required")
	}

	withToken(*reader, func(tk *piv.Token) {
		var sig []byte
		var err error
		if *prehashHex != "" {
			digest, derr := hex.DecodeString(*prehashHex)
			if derr != nil {
				log.Fatalf("invalid -prehash hex: %v", derr)
			}
			sig, err = tk.SignPrehash(parseSlot(*slot), parseAlgorithm(*alg), digest)
		} else {
			payload, derr := hex.DecodeString(*dataHex)
			if derr != nil {
				log.Fatalf("invalid -data hex: %v", derr)
			}
			sig, _, err = tk.Sign(parseSlot(*slot), parseAlgorithm(*alg), payload)
		}
		if err != nil {
			log.Fatalf("sign: %v", err)
		}
		fmt.Println(mustHex(sig))
	})
}

func cmdECDH(args []string) {
	fs := flag.NewFlagSet("ecdh", flag.ExitOnError)
	reader := fs.String("reader", "", "reader name")
	slot := fs.String("slot", "9d", "slot ID (hex)")
	alg := fs.String("alg", "eccp256", "key algorithm")
	peerHex := fs.String("peer-point", "", "hex-encoded uncompressed EC point of the peer (required)")
	fs.Parse(args)

	if *peerHex == "" {
		log.Fatalf("-peer-point is required")
	}
	point, err := hex.DecodeString(*peerHex)
	if err != nil {
		log.Fatalf("invalid -peer-point hex: %v", err)
	}

	withToken(*reader, func(tk *piv.Token) {
		z, err := tk.ECDH(parseSlot(*slot), parseAlgorithm(*alg), point)
		if err != nil {
			log.Fatalf("ecdh: %v", err)
		}
		fmt.Println(mustHex(z))
	})
}

func cmdWriteCert(args []string) {
	fs := flag.NewFlagSet("write-cert", flag.ExitOnError)
	reader := fs.String("reader", "", "reader name")
	slot := fs.String("slot", "9a", "slot ID (hex)")
	certFile := fs.String("cert", "", "path to a DER or PEM certificate (required)")
	compress := fs.Bool("compress", false, "gzip-compress the certificate body")
	keyFile := fs.String("admin-key-file", "", "admin key hex file")
	keyHex := fs.String("admin-key", "", "inline admin key hex")
	keyDir := fs.String("admin-key-dir", "", "directory of candidate admin key .hex files to try in turn")
	adminAlg := fs.String("admin-alg", defaultAdminAlg(), "admin key algorithm")
	fs.Parse(args)

	if *certFile == "" {
		log.Fatalf("-cert is required")
	}
	raw, err := os.ReadFile(*certFile)
	if err != nil {
		log.Fatalf("read cert file: %v", err)
	}
	der := raw
	if block, _ := pem.Decode(raw); block != nil {
		der = block.Bytes
	}

	withToken(*reader, func(tk *piv.Token) {
		requireAdminAuth(tk, *keyFile, *keyHex, *keyDir, parseAlgorithm(*adminAlg))
		if err := tk.WriteCert(parseSlot(*slot), der, *compress); err != nil {
			log.Fatalf("write cert: %v", err)
		}
		fmt.Println("certificate written")
	})
}

func cmdAuthKey(args []string) {
	fs := flag.NewFlagSet("auth-key", flag.ExitOnError)
	reader := fs.String("reader", "", "reader name")
	slot := fs.String("slot", "9a", "slot ID (hex)")
	alg := fs.String("alg", "eccp256", "key algorithm")
	pubFile := fs.String("pubkey", "", "PEM public key expected in the slot (required)")
	fs.Parse(args)

	if *pubFile == "" {
		log.Fatalf("-pubkey is required")
	}
	pub := loadPEMPublicKey(*pubFile)

	withToken(*reader, func(tk *piv.Token) {
		if err := tk.AuthKey(parseSlot(*slot), parseAlgorithm(*alg), pub); err != nil {
			log.Fatalf("auth-key: %v", err)
		}
		fmt.Println("key proof of possession verified")
	})
}

func cmdSeal(args []string) {
	fs := flag.NewFlagSet("seal", flag.ExitOnError)
	pubFile := fs.String("pubkey", "", "recipient PEM EC public key (required)")
	in := fs.String("in", "", "input file (default: stdin)")
	out := fs.String("out", "", "output file (default: stdout)")
	fs.Parse(args)

	if *pubFile == "" {
		log.Fatalf("-pubkey is required")
	}
	pub, ok := loadPEMPublicKey(*pubFile).(*ecdsa.PublicKey)
	if !ok {
		log.Fatalf("-pubkey must be an EC public key")
	}

	plaintext := readInput(*in)
	box := &piv.Box{}
	box.SetData(plaintext)
	if err := piv.SealOffline(box, pub); err != nil {
		log.Fatalf("seal: %v", err)
	}
	raw, err := box.Serialize()
	if err != nil {
		log.Fatalf("serialize box: %v", err)
	}
	writeOutput(*out, raw)
}

func cmdOpen(args []string) {
	fs := flag.NewFlagSet("open", flag.ExitOnError)
	reader := fs.String("reader", "", "reader name")
	slot := fs.String("slot", "9d", "slot ID (hex)")
	alg := fs.String("alg", "eccp256", "key algorithm")
	in := fs.String("in", "", "input file (default: stdin)")
	out := fs.String("out", "", "output file (default: stdout)")
	fs.Parse(args)

	raw := readInput(*in)
	box, err := piv.Deserialize(raw)
	if err != nil {
		log.Fatalf("deserialize box: %v", err)
	}

	withToken(*reader, func(tk *piv.Token) {
		if err := tk.Open(box, parseSlot(*slot), parseAlgorithm(*alg)); err != nil {
			log.Fatalf("open: %v", err)
		}
		writeOutput(*out, box.TakeData())
	})
}

func readInput(path string) []byte {
	if path == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			log.Fatalf("read stdin: %v", err)
		}
		return data
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("read %s: %v", path, err)
	}
	return data
}

func writeOutput(path string, data []byte) {
	if path == "" {
		os.Stdout.Write(data)
		return
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		log.Fatalf("write %s: %v", path, err)
	}
}

func loadPEMPublicKey(path string) any {
	raw, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("read %s: %v", path, err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		log.Fatalf("%s: not a PEM file", path)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		log.Fatalf("%s: parse public key: %v", path, err)
	}
	return pub
}
