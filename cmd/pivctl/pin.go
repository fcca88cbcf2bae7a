package main

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strings"

	"golang.org/x/term"
)

// promptPIN reads a PIN from the controlling terminal without echoing it,
// falling back to a plain line read when stdin isn't a terminal (e.g.
// piped input in scripts or tests).
func promptPIN(label string) string {
	fmt.Fprintf(os.Stderr, "%s: ", label)
	if term.IsTerminal(int(os.Stdin.Fd())) {
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			log.Fatalf("read PIN: %v", err)
		}
		return strings.TrimSpace(string(b))
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		log.Fatalf("read PIN: %v", err)
	}
	return strings.TrimSpace(line)
}
