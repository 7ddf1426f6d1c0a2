package cli

import (
	"os"
	"strings"
)

// Environment defaults for persistent flags.
const (
	EnvConfig   = "MODELRM_CONFIG"
	EnvAddr     = "MODELRM_ADDR"
	EnvServer   = "MODELRM_SERVER"
	EnvLogLevel = "MODELRM_LOG_LEVEL"
)

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// splitCSV splits a comma-separated flag value, dropping blanks.
func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
