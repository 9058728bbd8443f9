package security

import (
	"fmt"
	"math"
	"strings"
)

const (
	// MinSecretLength is the minimum length for webhook and API secrets.
	MinSecretLength = 32

	// MinEntropy is the minimum Shannon entropy (bits per character).
	MinEntropy = 3.5
)

var placeholderFragments = []string{"replace", "changeme", "topsecret", "password", "example"}

// ValidateSecret checks that a project secret is long, random and not an
// obvious placeholder. The same secret signs webhooks and authenticates the
// API.
func ValidateSecret(secret string) error {
	if len(secret) < MinSecretLength {
		return fmt.Errorf("secret too short (minimum %d characters, got %d)", MinSecretLength, len(secret))
	}

	lower := strings.ToLower(secret)
	for _, fragment := range placeholderFragments {
		if strings.Contains(lower, fragment) {
			return fmt.Errorf("secret appears to be a placeholder value")
		}
	}

	if entropy := calculateEntropy(secret); entropy < MinEntropy {
		return fmt.Errorf("secret has insufficient entropy (%.2f < %.2f)", entropy, MinEntropy)
	}

	return nil
}

// calculateEntropy computes the Shannon entropy of s in bits per character.
func calculateEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}

	freq := make(map[rune]int)
	for _, c := range s {
		freq[c]++
	}

	var entropy float64
	length := float64(len([]rune(s)))
	for _, count := range freq {
		p := float64(count) / length
		entropy -= p * math.Log2(p)
	}

	return entropy
}
