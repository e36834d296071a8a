package supervisor

import (
	"crypto/rand"
	"math/big"
)

const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// IDGenerator produces new session ids.
type IDGenerator interface {
	NewID() string
}

// RandomIDs generates fixed-length alphanumeric ids from crypto/rand.
type RandomIDs struct {
	Length int
}

func (g RandomIDs) NewID() string {
	n := g.Length
	if n <= 0 {
		n = 16
	}
	max := big.NewInt(int64(len(idAlphabet)))
	out := make([]byte, n)
	for i := range out {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("supervisor: crypto/rand unavailable: " + err.Error())
		}
		out[i] = idAlphabet[v.Int64()]
	}
	return string(out)
}

// ValidID reports whether id is non-empty and strictly alphanumeric.
func ValidID(id string) bool {
	if id == "" {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		isAlpha := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
		isDigit := c >= '0' && c <= '9'
		if !isAlpha && !isDigit {
			return false
		}
	}
	return true
}
