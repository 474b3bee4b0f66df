package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
)

// Supported password hashing algorithms.
const (
	HashBcrypt   = "bcrypt"
	HashArgon2id = "argon2id"
)

const (
	defaultBcryptCost = 10

	argonMemory      = 64 * 1024
	argonIterations  = 2
	argonParallelism = 1
	argonKeyLength   = 32
	argonSaltLength  = 16
)

// Hasher produces and verifies salted one-way password hashes. Hashing is
// CPU-bound, so concurrent work is bounded by a weighted semaphore.
type Hasher struct {
	algorithm   string
	cost        int
	concurrency int
	sem         *semaphore.Weighted
	dummy       string
}

// HasherOption configures a Hasher.
type HasherOption func(*Hasher) error

// WithHashAlgorithm selects the algorithm used for new hashes. Verification
// accepts every supported format regardless.
func WithHashAlgorithm(name string) HasherOption {
	return func(h *Hasher) error {
		switch name = strings.ToLower(strings.TrimSpace(name)); name {
		case "":
			return nil
		case HashBcrypt, HashArgon2id:
			h.algorithm = name
			return nil
		default:
			return fmt.Errorf("%w: unsupported hash algorithm %q", ErrConfiguration, name)
		}
	}
}

// WithBcryptCost overrides the bcrypt work factor.
func WithBcryptCost(cost int) HasherOption {
	return func(h *Hasher) error {
		if cost == 0 {
			return nil
		}
		if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
			return fmt.Errorf("%w: bcrypt cost %d out of range", ErrConfiguration, cost)
		}
		h.cost = cost
		return nil
	}
}

// WithHashConcurrency bounds the number of hash computations in flight.
func WithHashConcurrency(n int) HasherOption {
	return func(h *Hasher) error {
		if n > 0 {
			h.concurrency = n
		}
		return nil
	}
}

// NewHasher builds a Hasher. It precomputes a throwaway hash used to equalise
// the cost of lookups that found no account.
func NewHasher(opts ...HasherOption) (*Hasher, error) {
	h := &Hasher{
		algorithm:   HashBcrypt,
		cost:        defaultBcryptCost,
		concurrency: runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		if err := opt(h); err != nil {
			return nil, err
		}
	}
	h.sem = semaphore.NewWeighted(int64(h.concurrency))

	rnd := make([]byte, 18)
	if _, err := rand.Read(rnd); err != nil {
		return nil, fmt.Errorf("generate dummy password: %w", err)
	}
	dummy, err := h.hash(base64.RawStdEncoding.EncodeToString(rnd))
	if err != nil {
		return nil, err
	}
	h.dummy = dummy
	return h, nil
}

// Algorithm reports the algorithm used for new hashes.
func (h *Hasher) Algorithm() string { return h.algorithm }

// Hash returns a salted hash of plaintext.
func (h *Hasher) Hash(ctx context.Context, plaintext string) (string, error) {
	if plaintext == "" {
		return "", fmt.Errorf("%w: password is empty", ErrInvalidInput)
	}
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer h.sem.Release(1)
	return h.hash(plaintext)
}

// Verify reports whether plaintext matches hash. A malformed hash is a
// mismatch, not an error; the only error is ctx ending while queued.
func (h *Hasher) Verify(ctx context.Context, hash, plaintext string) (bool, error) {
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer h.sem.Release(1)
	return verifyHash(hash, plaintext), nil
}

// VerifyDummy spends the same work as Verify against a hash that never
// matches a caller's password. The dummy uses the configured algorithm, so it
// matches accounts hashed since that algorithm was chosen; rows still stored
// in the other format verify at that format's cost until they are re-hashed.
func (h *Hasher) VerifyDummy(ctx context.Context, plaintext string) error {
	_, err := h.Verify(ctx, h.dummy, plaintext)
	return err
}

func (h *Hasher) hash(plaintext string) (string, error) {
	if h.algorithm == HashArgon2id {
		return hashArgon2id(plaintext)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), h.cost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", fmt.Errorf("%w: password is too long", ErrInvalidInput)
		}
		return "", fmt.Errorf("bcrypt: %w", err)
	}
	return string(hash), nil
}

func verifyHash(hash, plaintext string) bool {
	switch {
	case strings.HasPrefix(hash, "$argon2id$"):
		return verifyArgon2id(hash, plaintext)
	case strings.HasPrefix(hash, "$2"):
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
	default:
		return false
	}
}

func hashArgon2id(plaintext string) (string, error) {
	salt := make([]byte, argonSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(plaintext), salt, argonIterations, argonMemory, argonParallelism, argonKeyLength)

	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		argonMemory,
		argonIterations,
		argonParallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

func verifyArgon2id(encoded, plaintext string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 {
		return false
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false
	}
	var (
		memory      uint32
		iterations  uint32
		parallelism uint8
	)
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism); err != nil {
		return false
	}
	// Bounded so a corrupted record cannot make verification arbitrarily expensive.
	if memory == 0 || memory > 1<<20 || iterations == 0 || iterations > 10 || parallelism == 0 || parallelism > 16 {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) == 0 {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(want) < 16 || len(want) > 64 {
		return false
	}
	got := argon2.IDKey([]byte(plaintext), salt, iterations, memory, parallelism, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}
