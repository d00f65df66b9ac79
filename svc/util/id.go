package util

import (
	"crypto/rand"
	"math/big"

	"github.com/pkg/errors"
)

const (
	base62Chars = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	pasteIDLen  = 11
	idRetries   = 5
)

var ErrIDCollision = errors.New("id collision after retries")

// GenID returns a random base62 paste id, retrying while exists reports a clash.
func GenID(exists func(string) (bool, error)) (string, error) {
	for retry := 0; retry < idRetries; retry++ {
		buf := make([]byte, 8)
		if _, err := rand.Read(buf); err != nil {
			return "", errors.Wrap(err, "rand fail")
		}
		id := toBase62(new(big.Int).SetBytes(buf))
		exist, err := exists(id)
		if err != nil {
			return "", err
		}
		if !exist {
			return id, nil
		}
	}
	return "", ErrIDCollision
}

func toBase62(num *big.Int) string {
	base := big.NewInt(62)
	result := make([]byte, 0, pasteIDLen)
	temp := new(big.Int).Set(num)
	mod := new(big.Int)
	for temp.Sign() > 0 {
		temp.DivMod(temp, base, mod)
		result = append(result, base62Chars[mod.Int64()])
	}
	for len(result) < pasteIDLen {
		result = append(result, base62Chars[0])
	}
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return string(result)
}

// ValidID reports whether s looks like an id produced by GenID.
func ValidID(s string) bool {
	if len(s) != pasteIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z') {
			return false
		}
	}
	return true
}
