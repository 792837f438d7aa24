package platform

import "strings"

// Quote wraps s in single quotes for safe interpolation into a shell
// command line. Install roots live under user home directories, which can
// contain spaces.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
