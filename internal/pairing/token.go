package pairing

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
)

const (
	TokenMin = 1000
	TokenMax = 9999

	// TokenSpaceSize is the number of distinct tokens RandomToken can produce.
	TokenSpaceSize = TokenMax - TokenMin + 1
)

// Token is the short numeric code a guest uses to find a host's session.
type Token string

// TokenSource produces candidate tokens. It does not need to guarantee
// uniqueness; the registry retries on collision.
type TokenSource func() (Token, error)

// RandomToken returns a token drawn uniformly from [TokenMin, TokenMax].
func RandomToken() (Token, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(TokenSpaceSize))
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return Token(strconv.FormatInt(n.Int64()+TokenMin, 10)), nil
}

// Valid reports whether t is a well-formed token (4 decimal digits in range).
func (t Token) Valid() bool {
	if len(t) != 4 {
		return false
	}
	n, err := strconv.Atoi(string(t))
	if err != nil {
		return false
	}
	return n >= TokenMin && n <= TokenMax
}
