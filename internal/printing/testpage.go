package printing

import (
	"fmt"
	"strings"
	"time"
)

// BuildTestPage renders a plain-text page that prints legibly whether the
// document reaches a driver-managed queue or a raw socket. The trailing form
// feed flushes the page on raw devices.
func BuildTestPage(printer, server, backend string, now time.Time) []byte {
	var b strings.Builder

	b.WriteString("PrintBridge Test Page\n")
	b.WriteString(strings.Repeat("=", 40))
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Printer:  %s\n", printer)
	fmt.Fprintf(&b, "Server:   %s\n", server)
	fmt.Fprintf(&b, "Backend:  %s\n", backend)
	fmt.Fprintf(&b, "Printed:  %s\n", now.Format(time.RFC1123))
	b.WriteString("\nIf you can read this, the pipeline from the\nprint server to this printer works.\n")
	b.WriteString("\f")

	return []byte(b.String())
}
