package captcha

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"strings"
)

// DefaultSolutionLength is the number of characters in a generated solution.
const DefaultSolutionLength = 6

const solutionAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// ErrInvalidLength is returned by GenerateSolution for a non-positive length.
var ErrInvalidLength = errors.New("captcha: solution length must be positive")

// GenerateSolution returns a fresh uppercase alphabetic string of the given length.
// Uses crypto/rand; rejection sampling keeps the distribution uniform.
func GenerateSolution(length int) (string, error) {
	if length <= 0 {
		return "", ErrInvalidLength
	}
	const limit = 256 - 256%len(solutionAlphabet)
	out := make([]byte, 0, length)
	buf := make([]byte, length*2)
	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, solutionAlphabet[int(b)%len(solutionAlphabet)])
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}

// SolutionEqual reports whether attempt matches solution exactly, ignoring case.
// The comparison is constant-time in the length of the inputs.
func SolutionEqual(attempt, solution string) bool {
	if solution == "" {
		return false
	}
	a := strings.ToUpper(attempt)
	s := strings.ToUpper(solution)
	return subtle.ConstantTimeCompare([]byte(a), []byte(s)) == 1
}
