package prompt

import (
	_ "embed"
	"strings"
)

var (
	//go:embed template/system.txt
	systemRaw string
)

// System returns the trimmed system prompt. The embed is compile-time, so
// this is safe to call concurrently.
func System() string {
	return strings.TrimSpace(systemRaw)
}
