// Package probe builds network echo probes and times their round trips.
package probe

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Sentinel kinds for probe errors.
var (
	ErrInvalidSize  = errors.New("probe size must be positive")
	ErrOutOfOrder   = errors.New("received before sent")
	ErrEchoMismatch = errors.New("echo does not match payload")
)

// Probe is a random payload the client must echo back unchanged.
type Probe struct {
	ID         string
	Payload    []byte
	SentAt     time.Time
	ReceivedAt time.Time
}

// Make returns a probe with size random bytes.
func Make(size int) (Probe, error) {
	if size <= 0 {
		return Probe{}, ErrInvalidSize
	}
	payload := make([]byte, size)
	if _, err := rand.Read(payload); err != nil {
		return Probe{}, fmt.Errorf("read random payload: %w", err)
	}
	return Probe{ID: uuid.NewString(), Payload: payload}, nil
}

// Measure returns the round-trip time between sentAt and receivedAt.
func Measure(sentAt, receivedAt time.Time) (time.Duration, error) {
	if receivedAt.Before(sentAt) {
		return 0, ErrOutOfOrder
	}
	return receivedAt.Sub(sentAt), nil
}

// VerifyEcho reports whether echoed is byte-for-byte equal to sent.
func VerifyEcho(sent, echoed []byte) bool {
	return len(sent) == len(echoed) && bytes.Equal(sent, echoed)
}
