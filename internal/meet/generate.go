package meet

import (
	"crypto/rand"
	"math/big"

	"github.com/google/uuid"

	"huddle/server/internal/protocol"
)

const passwordAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// newMeetingIDLocked derives a 9-digit meeting ID from the decimal form of
// a random v4 UUID, retrying until the ID is unused.
func (e *Engine) newMeetingIDLocked() string {
	for {
		u := uuid.New()
		dec := new(big.Int).SetBytes(u[:]).String()
		if len(dec) < protocol.MeetingIDLength {
			continue // vanishingly rare: the 128-bit value rendered short
		}
		id := dec[:protocol.MeetingIDLength]
		if _, taken := e.meetings[id]; !taken {
			return id
		}
	}
}

// newPassword draws 12 characters uniformly from [A-Za-z0-9] using the
// system CSPRNG. Rejection sampling keeps the draw unbiased.
func newPassword() string {
	out := make([]byte, 0, protocol.PasswordLength)
	buf := make([]byte, 32)
	// 248 is the largest multiple of len(passwordAlphabet) below 256.
	const limit = byte(256 - 256%len(passwordAlphabet))
	for len(out) < protocol.PasswordLength {
		rand.Read(buf)
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, passwordAlphabet[int(b)%len(passwordAlphabet)])
			if len(out) == protocol.PasswordLength {
				break
			}
		}
	}
	return string(out)
}
