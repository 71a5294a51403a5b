package main

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// formatBytes renders a byte count with digit grouping.
func formatBytes(n int64) string {
	if n == 1 {
		return "1 byte"
	}

	return printer.Sprintf("%d bytes", n)
}
