// Package sanitize escapes markup-significant characters in chat text.
package sanitize

import "strings"

var replacer = strings.NewReplacer("<", "&lt;", ">", "&gt;")

// Text replaces every '<' with "&lt;" and every '>' with "&gt;".
// Quotes and ampersands pass through untouched, so the result is not safe
// for attribute contexts.
func Text(text string) string {
	return replacer.Replace(text)
}
