// Package pin generates project join PINs and reserves them while a
// project is being created, so two concurrent creates cannot settle on
// the same PIN.
package pin

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	gosync "sync"

	"github.com/nhle/fieldsync/internal/model"
)

// Generator produces candidate PINs.
type Generator interface {
	Generate() (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func() (string, error)

func (f GeneratorFunc) Generate() (string, error) { return f() }

// Digits generates uniformly random numeric PINs.
type Digits struct{}

var tenPow = big.NewInt(1_000_000)

func (Digits) Generate() (string, error) {
	n, err := rand.Int(rand.Reader, tenPow)
	if err != nil {
		return "", fmt.Errorf("generating PIN: %w", err)
	}
	return fmt.Sprintf("%0*d", model.PinLength, n.Int64()), nil
}

// Sequence returns the given PINs in order and then repeats the last one.
// Tests use it to force collisions.
func Sequence(pins ...string) Generator {
	var (
		mu gosync.Mutex
		i  int
	)
	return GeneratorFunc(func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(pins) == 0 {
			return "", fmt.Errorf("empty PIN sequence")
		}
		p := pins[i]
		if i < len(pins)-1 {
			i++
		}
		return p, nil
	})
}

// Reserver claims a PIN for one owner at a time.
type Reserver interface {
	// Reserve claims pin for owner. It returns false when another owner
	// holds it. Reserving a PIN the owner already holds succeeds.
	Reserve(ctx context.Context, pin, owner string) (bool, error)

	// Release gives up owner's claim. Releasing a PIN held by someone
	// else, or by nobody, does nothing.
	Release(ctx context.Context, pin, owner string) error
}

// MemoryReserver is an in-process Reserver.
type MemoryReserver struct {
	mu     gosync.Mutex
	owners map[string]string
}

// NewMemoryReserver returns an empty reserver.
func NewMemoryReserver() *MemoryReserver {
	return &MemoryReserver{owners: make(map[string]string)}
}

func (r *MemoryReserver) Reserve(_ context.Context, pin, owner string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.owners[pin]; ok && current != owner {
		return false, nil
	}
	r.owners[pin] = owner
	return true, nil
}

func (r *MemoryReserver) Release(_ context.Context, pin, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.owners[pin] == owner {
		delete(r.owners, pin)
	}
	return nil
}
