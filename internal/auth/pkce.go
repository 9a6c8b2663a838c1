package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"sync"

	"golang.org/x/oauth2"
)

// verifierBytes is the amount of entropy drawn per verifier. 64 bytes encode
// to 86 characters, inside the 43..128 range accepted by RFC 7636.
const verifierBytes = 64

const (
	minVerifierLength = 43
	maxVerifierLength = 128
)

// PKCE holds a code verifier and its S256 challenge.
type PKCE struct {
	Verifier  string
	Challenge string
}

// PKCEGenerator produces code verifiers and S256 challenges.
type PKCEGenerator struct {
	mu     sync.Mutex
	random io.Reader
}

// NewPKCEGenerator returns a generator reading from random, or from
// crypto/rand when random is nil.
func NewPKCEGenerator(random io.Reader) *PKCEGenerator {
	if random == nil {
		random = rand.Reader
	}
	return &PKCEGenerator{random: random}
}

// GenerateCodeVerifier creates a new URL-safe, unpadded code verifier.
func (g *PKCEGenerator) GenerateCodeVerifier() (string, error) {
	buf := make([]byte, verifierBytes)

	g.mu.Lock()
	_, err := io.ReadFull(g.random, buf)
	g.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("failed to read random bytes for code verifier: %w", err)
	}

	verifier := base64.RawURLEncoding.EncodeToString(buf)
	if len(verifier) < minVerifierLength || len(verifier) > maxVerifierLength {
		return "", fmt.Errorf("code verifier length %d out of range", len(verifier))
	}
	return verifier, nil
}

// CodeChallenge returns base64url(sha256(verifier)) without padding.
func (g *PKCEGenerator) CodeChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// Generate returns a fresh verifier together with its challenge.
func (g *PKCEGenerator) Generate() (PKCE, error) {
	verifier, err := g.GenerateCodeVerifier()
	if err != nil {
		return PKCE{}, err
	}
	return PKCE{Verifier: verifier, Challenge: g.CodeChallenge(verifier)}, nil
}
