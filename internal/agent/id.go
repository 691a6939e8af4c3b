package agent

import (
	"crypto/rand"
	"math/big"
)

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewTunnelID returns a random 6 character lowercase base36 id, short enough
// to type and valid as a DNS label.
func NewTunnelID() string {
	b := make([]byte, 6)
	base := big.NewInt(int64(len(idAlphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, base)
		if err != nil {
			panic(err)
		}
		b[i] = idAlphabet[n.Int64()]
	}
	return string(b)
}
