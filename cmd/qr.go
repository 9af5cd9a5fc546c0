package main

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/skip2/go-qrcode"
)

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// DisplayAuthURL shows the authorization link as a QR code, so it can be
// opened on a phone, with the plain link underneath.
func DisplayAuthURL(w io.Writer, url string) {
	qr, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		fmt.Fprintf(w, "Error generating QR code: %v\n", err)
		fmt.Fprintf(w, "Open this link to authorize lmk:\n  %s\n", url)
		return
	}

	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "         SCAN TO AUTHORIZE")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "")

	// Half-block rendering keeps the code small enough for a terminal.
	fmt.Fprint(w, qr.ToSmallString(false))

	fmt.Fprintln(w, "-------------------------------------------")
	fmt.Fprintln(w, "  Or open this link:")
	fmt.Fprintf(w, "  %s\n", url)
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "")
}
