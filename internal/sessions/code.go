package sessions

import (
	"context"
	"crypto/rand"
	"fmt"
)

const (
	// codeAlphabet is the 36-symbol alphabet session codes are drawn from.
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	// CodeLength is the length of a session join code.
	CodeLength = 6
	// maxCodeAttempts bounds rejection sampling against existing codes.
	maxCodeAttempts = 10
)

func randomCode() (string, error) {
	buf := make([]byte, CodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf), nil
}

// newCode allocates a session code not currently in use. Collisions are
// rejection-sampled; after maxCodeAttempts the caller gets ErrCodeExhausted.
func newCode(ctx context.Context, store Store) (string, error) {
	for i := 0; i < maxCodeAttempts; i++ {
		code, err := randomCode()
		if err != nil {
			return "", err
		}
		exists, err := store.CodeExists(ctx, code)
		if err != nil {
			return "", err
		}
		if !exists {
			return code, nil
		}
	}
	return "", ErrCodeExhausted
}
