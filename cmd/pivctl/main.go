// Command pivctl is a demonstration client for PIV smart cards: enumerate
// readers, read certificates, manage PINs and the admin key, generate and
// use asymmetric keys, and seal/open ECDH boxes against a card's slots.
package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/barnettlynn/pivgo/internal/config"
	"github.com/barnettlynn/pivgo/pkg/cardio"
)

// cfg holds config.yaml's defaults, loaded once at startup. A missing or
// unreadable config file is not fatal: every field it supplies has a
// flag-level fallback.
var cfg = loadConfig()

var subcommands = map[string]func(args []string){
	"enumerate":        cmdEnumerate,
	"cert":             cmdCert,
	"verify-pin":       cmdVerifyPIN,
	"change-pin":       cmdChangePIN,
	"reset-pin":        cmdResetPIN,
	"admin-auth":       cmdAdminAuth,
	"rotate-admin-key": cmdRotateAdminKey,
	"set-pin-retries":  cmdSetPINRetries,
	"generate":         cmdGenerate,
	"sign":             cmdSign,
	"ecdh":             cmdECDH,
	"write-cert":       cmdWriteCert,
	"auth-key":         cmdAuthKey,
	"seal":             cmdSeal,
	"open":             cmdOpen,
}

func main() {
	verbose := flag.Bool("v", false, "enable debug logging")
	logFormat := flag.String("log-format", "text", "log format: text or json")
	flag.Usage = usage
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if *logFormat == "json" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
	}

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	cmd, ok := subcommands[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "pivctl: unknown command %q\n", args[0])
		usage()
		os.Exit(2)
	}
	cmd(args[1:])
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: pivctl [-v] [-log-format text|json] <command> [args]\n\ncommands:\n")
	for name := range subcommands {
		fmt.Fprintf(os.Stderr, "  %s\n", name)
	}
}

// loadConfig reads config.yaml next to the binary if present; a missing
// file is not an error, callers fall back to flag defaults.
func loadConfig() *config.Config {
	path, err := config.DefaultConfigPath()
	if err != nil {
		return &config.Config{}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return &config.Config{}
	}
	return cfg
}

// connectReader opens a PC/SC connection to the named reader. If name is
// empty it uses config.yaml's reader.name, then reader.index, and
// otherwise the first available reader.
func connectReader(name string) *cardio.Connection {
	if name == "" {
		name = cfg.Reader.Name
	}
	if name != "" {
		conn, err := cardio.Connect(name)
		if err != nil {
			log.Fatalf("connect: %v", err)
		}
		return conn
	}
	if cfg.Reader.Index != nil {
		conn, err := cardio.ConnectIndexed(*cfg.Reader.Index)
		if err != nil {
			log.Fatalf("connect: %v", err)
		}
		return conn
	}
	readers, err := cardio.ListReaders()
	if err != nil || len(readers) == 0 {
		log.Fatalf("no readers found: %v", err)
	}
	conn, err := cardio.Connect(readers[0])
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	return conn
}
