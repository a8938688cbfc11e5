// Package walletregistry holds the curated watch-list of wallet addresses.
// Addresses are normalized to lowercase hex on the way in, so membership
// checks and label lookups are case-insensitive and O(1).
package walletregistry

import (
	"errors"
	"fmt"
	"strings"

	"github.com/whalesignal/whalesignal/internal/pkg/types"
)

var (
	// ErrInvalidAddress is returned for inputs that are not 20-byte hex addresses.
	ErrInvalidAddress = errors.New("invalid wallet address")

	// ErrDuplicateAddress is returned when two wallets normalize to the same address.
	ErrDuplicateAddress = errors.New("duplicate wallet address")
)

// Wallet pairs an operator-facing label with a wallet address. Labels need
// not be unique; addresses must be unique after normalization.
type Wallet struct {
	Label   string
	Address string
}

// addressHexLength is the number of hex digits in a 20-byte address.
const addressHexLength = 40

// NormalizeAddress folds an address to its canonical lowercase hex form
// ("0x" + 40 hex digits) and validates it.
func NormalizeAddress(address string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(address))
	if !strings.HasPrefix(normalized, "0x") {
		return "", fmt.Errorf("%w: %q must start with 0x", ErrInvalidAddress, address)
	}

	digits := normalized[2:]
	if len(digits) != addressHexLength {
		return "", fmt.Errorf("%w: %q must have %d hex digits", ErrInvalidAddress, address, addressHexLength)
	}

	for _, c := range digits {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", fmt.Errorf("%w: %q contains non-hex characters", ErrInvalidAddress, address)
		}
	}

	return normalized, nil
}

// Registry is the immutable, normalized watch-list. It is safe for
// concurrent reads; it is never mutated after New.
type Registry struct {
	watched types.Set[string]
	labels  map[string]string
}

// New builds a registry from the configured wallets, normalizing every
// address and rejecting malformed or duplicate entries.
func New(wallets []Wallet) (*Registry, error) {
	r := &Registry{
		watched: types.NewSet[string](),
		labels:  make(map[string]string, len(wallets)),
	}

	for _, w := range wallets {
		address, err := NormalizeAddress(w.Address)
		if err != nil {
			return nil, err
		}
		if r.watched.Contains(address) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateAddress, address)
		}

		r.watched.Add(address)
		r.labels[address] = w.Label
	}

	return r, nil
}

// IsWatched reports whether the address is on the watch-list. The input is
// folded to lowercase before the lookup, so any casing matches.
func (r *Registry) IsWatched(address string) bool {
	return r.watched.Contains(strings.ToLower(address))
}

// Label returns the label configured for the address, if any.
func (r *Registry) Label(address string) (string, bool) {
	label, ok := r.labels[strings.ToLower(address)]
	return label, ok
}

// Len returns the number of watched addresses.
func (r *Registry) Len() int {
	return len(r.watched)
}
