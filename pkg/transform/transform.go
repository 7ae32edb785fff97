// Package transform implements the reversible byte transforms applied to
// pixel payloads.
//
// Both variants work in place on the slice they are given and treat the
// first byte of that slice as position zero. The chained variant also resets
// its feedback state at the start of every call, which is what allows
// disjoint sub-ranges of one buffer to be transformed independently.
package transform

import (
	"errors"
	"fmt"
	"strings"
)

// ChainSeed is the feedback state every chained call starts from.
const ChainSeed byte = 0x42

var (
	ErrEmptyKey         = errors.New("transform: key must not be empty")
	ErrUnknownOperation = errors.New("transform: unknown operation")
	ErrUnknownMode      = errors.New("transform: unknown mode")
)

// Operation selects the direction of a transform.
type Operation uint8

const (
	Encrypt Operation = iota + 1
	Decrypt
)

func (o Operation) String() string {
	switch o {
	case Encrypt:
		return "encrypt"
	case Decrypt:
		return "decrypt"
	default:
		return fmt.Sprintf("Operation(%d)", uint8(o))
	}
}

// ParseOperation accepts "encrypt" or "decrypt" in any case.
func ParseOperation(s string) (Operation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "encrypt":
		return Encrypt, nil
	case "decrypt":
		return Decrypt, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownOperation, s)
}

// Mode selects the transform variant.
type Mode uint8

const (
	Stateless Mode = iota + 1
	Chained
)

func (m Mode) String() string {
	switch m {
	case Stateless:
		return "stateless"
	case Chained:
		return "chained"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// ParseMode accepts "stateless" and "chained" plus the older names "ECB" and
// "CBC", in any case.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "stateless", "ecb":
		return Stateless, nil
	case "chained", "cbc":
		return Chained, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// Transformer is a reversible in-place byte transform. Decrypt undoes
// Encrypt when both are called on the same bytes with the same key.
// Callers guarantee len(key) > 0.
type Transformer interface {
	Encrypt(buf, key []byte)
	Decrypt(buf, key []byte)
}

// ForMode returns the Transformer implementing m.
func ForMode(m Mode) (Transformer, error) {
	switch m {
	case Stateless:
		return stateless{}, nil
	case Chained:
		return chained{seed: ChainSeed}, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownMode, uint8(m))
}

// Config is the immutable description of one job's transform.
type Config struct {
	Operation Operation
	Mode      Mode
	Key       []byte
}

// Validate reports whether the config can be applied.
func (c Config) Validate() error {
	if len(c.Key) == 0 {
		return ErrEmptyKey
	}
	if c.Operation != Encrypt && c.Operation != Decrypt {
		return fmt.Errorf("%w: %d", ErrUnknownOperation, uint8(c.Operation))
	}
	if _, err := ForMode(c.Mode); err != nil {
		return err
	}
	return nil
}

// Apply transforms buf in place according to cfg.
func Apply(buf []byte, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	t, err := ForMode(cfg.Mode)
	if err != nil {
		return err
	}
	if cfg.Operation == Encrypt {
		t.Encrypt(buf, cfg.Key)
	} else {
		t.Decrypt(buf, cfg.Key)
	}
	return nil
}

// stateless XORs every byte with the key byte at the same local position.
type stateless struct{}

func (stateless) Encrypt(buf, key []byte) {
	for i := range buf {
		buf[i] ^= key[i%len(key)]
	}
}

func (s stateless) Decrypt(buf, key []byte) {
	s.Encrypt(buf, key)
}

// chained feeds each produced ciphertext byte into the next one.
type chained struct {
	seed byte
}

func (c chained) Encrypt(buf, key []byte) {
	state := c.seed
	for i := range buf {
		buf[i] ^= state ^ key[i%len(key)]
		state = buf[i]
	}
}

// Decrypt walks forward like Encrypt; the state follows the ciphertext it
// consumed rather than the plaintext it produced.
func (c chained) Decrypt(buf, key []byte) {
	state := c.seed
	for i := range buf {
		cipher := buf[i]
		buf[i] ^= key[i%len(key)] ^ state
		state = cipher
	}
}
