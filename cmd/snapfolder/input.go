package main

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// readPassword is a test seam for term.ReadPassword.
var readPassword = term.ReadPassword

// isTerminal reports whether stdin is interactive.
var isTerminal = func() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// getSecret prompts on w and reads the encryption secret without echo.
func getSecret(w io.Writer) ([]byte, error) {
	return readHidden(w, "Encryption secret: ")
}

// getToken prompts on w and reads a relay token without echo.
func getToken(w io.Writer) ([]byte, error) {
	return readHidden(w, "Relay token: ")
}

func readHidden(w io.Writer, prompt string) ([]byte, error) {
	if _, err := fmt.Fprint(w, prompt); err != nil {
		return nil, err
	}
	b, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(w)
	if err != nil {
		return nil, err
	}
	return b, nil
}
