package http11

import (
	"fmt"
	"io"
	"net/http"

	"github.com/anthropics/lolb/internal/lolberr"
)

// statusText falls back to "Unknown" for codes net/http doesn't name,
// matching the original's canonical_reason().unwrap_or("Unknown").
func statusText(code int) string {
	if t := http.StatusText(code); t != "" {
		return t
	}
	return "Unknown"
}

// WriteResponseHead serializes an HTTP/1.1 status line and headers
// (terminated by the blank line) to w. It does not write a body.
func WriteResponseHead(w io.Writer, status int, header http.Header) error {
	if _, err := fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n", status, statusText(status)); err != nil {
		return lolberr.IO(err)
	}
	for name, values := range header {
		for _, value := range values {
			if _, err := fmt.Fprintf(w, "%s: %s\r\n", name, value); err != nil {
				return lolberr.IO(err)
			}
		}
	}
	if _, err := io.WriteString(w, "\r\n"); err != nil {
		return lolberr.IO(err)
	}
	return nil
}
