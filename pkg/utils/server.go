package utils

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"strconv"
	"strings"
)

// GetProcessOwnerID returns the identity this process uses when claiming
// instance locks.
// Logic:
// 1. Return provided override if not empty.
// 2. Use <hostname>:<pid>.
// 3. Generate a random ID as fallback.
func GetProcessOwnerID(override string) string {
	// 1. Override (e.g. from environment variable)
	if override != "" {
		return override
	}

	pid := strconv.Itoa(os.Getpid())

	// 2. Hostname
	hostname, err := os.Hostname()
	if err == nil && hostname != "" {
		// Cleanup hostname to be safe for keys
		cleanHost := strings.Map(func(r rune) rune {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
				return r
			}
			return -1
		}, hostname)
		if cleanHost != "" {
			return cleanHost + ":" + pid
		}
	}

	// 3. Random fallback
	randomPart := make([]byte, 4)
	rand.Read(randomPart)
	return "relay-" + hex.EncodeToString(randomPart) + ":" + pid
}
