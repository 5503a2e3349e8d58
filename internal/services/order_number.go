package services

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"
)

const (
	orderNumberPrefix   = "ORD-"
	orderNumberAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	orderNumberSuffix   = 6
)

// GenerateOrderNumber renders ORD-<last 8 digits of unix seconds>-<6 base36 chars>. A nil source
// falls back to crypto/rand.
func GenerateOrderNumber(now time.Time, source io.Reader) (string, error) {
	if source == nil {
		source = rand.Reader
	}
	seconds := now.Unix() % 100_000_000
	if seconds < 0 {
		seconds = -seconds
	}
	var suffix strings.Builder
	suffix.Grow(orderNumberSuffix)
	limit := big.NewInt(int64(len(orderNumberAlphabet)))
	for i := 0; i < orderNumberSuffix; i++ {
		n, err := rand.Int(source, limit)
		if err != nil {
			return "", fmt.Errorf("order number: %w", err)
		}
		suffix.WriteByte(orderNumberAlphabet[n.Int64()])
	}
	return fmt.Sprintf("%s%08d-%s", orderNumberPrefix, seconds, suffix.String()), nil
}
