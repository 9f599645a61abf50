package helpers

import (
	"fmt"
	"strings"

	"github.com/spaolacci/murmur3"
)

// returns a fast, compact hash of a string
//
// current implementation uses murmur3, default seed, and hex encoding
func HashOfString(s string) string {
	val := murmur3.Sum64([]byte(s))
	return fmt.Sprintf("%016x", val)
}

var markdownReplacer = strings.NewReplacer(
	"***", "",
	`\_`, "_",
	`\*`, "*",
	`\\`, `\`,
)

// Removes bold-italic markers and un-escapes the markdown escapes chat clients insert into names (eg, "some\_user" becomes "some_user").
func StripMarkdown(s string) string {
	return markdownReplacer.Replace(s)
}
