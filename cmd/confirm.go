package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

var errNeedsForce = errors.New("stdin is not a terminal; pass --force to confirm")

// confirm asks a yes/no question on the controlling terminal.
func confirm(in *os.File, out io.Writer, prompt string) (bool, error) {
	if !term.IsTerminal(int(in.Fd())) {
		return false, errNeedsForce
	}
	fmt.Fprintf(out, "%s [y/N]: ", prompt)
	var response string
	fmt.Fscanln(in, &response)
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "y" || response == "yes", nil
}
