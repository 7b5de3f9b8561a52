// Package writectx defines the write context: the attribution record that
// must accompany every mutation of protected state.
//
// A Context is a precondition object, not a domain entity. Callers build
// one at the start of a unit of work (request handler, timer sweep) and
// pass it to Storage.WithContext; it is never stored globally and never
// outlives the transaction it attributes.
package writectx

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// Context attributes a unit of work. All four fields are required; the
// storage layer rejects writes performed without a valid context.
type Context struct {
	Actor     string // human or system principal, e.g. "ana@example.com" or "sweep:snooze"
	RequestID string // unique per unit of work, for audit correlation
	Source    string // entry point tag, e.g. "api", "detector", "timer"
	Revision  string // code revision performing the write
}

// New builds a Context with a generated request id.
func New(actor, source, revision string) Context {
	return Context{
		Actor:     actor,
		RequestID: NewRequestID(),
		Source:    source,
		Revision:  revision,
	}
}

// Validate reports whether the context is complete enough to attribute a
// write. Fail-closed: an incomplete context is an invariant violation,
// not a warning.
func (c Context) Validate() error {
	if c.Actor == "" {
		return fmt.Errorf("write context missing actor")
	}
	if c.RequestID == "" {
		return fmt.Errorf("write context missing request id")
	}
	if c.Source == "" {
		return fmt.Errorf("write context missing source")
	}
	if c.Revision == "" {
		return fmt.Errorf("write context missing revision")
	}
	return nil
}

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewRequestID generates a random 12-character base36 request id.
func NewRequestID() string {
	max := big.NewInt(int64(len(base36Alphabet)))
	buf := make([]byte, 12)
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand failure means the platform RNG is broken;
			// there is no meaningful fallback for attribution ids.
			panic(fmt.Sprintf("writectx: rng failure: %v", err))
		}
		buf[i] = base36Alphabet[n.Int64()]
	}
	return "req-" + string(buf)
}
