package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// passwordReader reads a secret from a terminal without echo.
type passwordReader func(fd int) ([]byte, error)

type credentialPrompt struct {
	in       *os.File
	out      io.Writer
	isTTY    func(fd int) bool
	readPass passwordReader
}

func newCredentialPrompt(out io.Writer) credentialPrompt {
	return credentialPrompt{
		in:       os.Stdin,
		out:      out,
		isTTY:    term.IsTerminal,
		readPass: term.ReadPassword,
	}
}

// resolve returns configured when set; otherwise it asks on the terminal.
// Without a terminal it returns an empty credential, which devices without an
// upload password accept.
func (p credentialPrompt) resolve(configured, host string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if p.in == nil || !p.isTTY(int(p.in.Fd())) {
		return "", nil
	}

	fmt.Fprintf(p.out, "Upload password for %s (empty for none): ", host)
	raw, err := p.readPass(int(p.in.Fd()))
	fmt.Fprintln(p.out)
	if err != nil {
		return "", fmt.Errorf("read upload password: %w", err)
	}

	return strings.TrimRight(string(raw), "\r\n"), nil
}
