package wasix

import (
	"os"
	"path/filepath"
	"strings"
)

// ExpandHome replaces a leading "~" with the user's home directory.
// The path is returned unchanged when the home directory is unknown.
func ExpandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[1:])
}

// DataDir returns the default state directory, ~/.wasix.
func DataDir() string {
	return ExpandHome("~/.wasix")
}
