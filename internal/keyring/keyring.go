// Package keyring selects which stored credential serves a request.
//
// Selection is vendor-scoped and tag-aware: credentials whose tag set
// intersects the bot's requested tags are preferred, untagged credentials act
// as a wildcard fallback, and ties are broken by a per-(vendor, tag-bucket)
// round-robin cursor so load spreads evenly across equivalent keys.
package keyring

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nulpointcorp/botgate/internal/store"
)

// ErrNoKeyAvailable is returned when no live credential can serve the vendor.
var ErrNoKeyAvailable = errors.New("keyring: no key available")

// Keyring answers credential selection queries against the store.
type Keyring struct {
	st store.Store

	// cursors maps "vendor|sorted,tags" to a monotonically increasing
	// counter. Entries are never removed; the bucket space is tiny.
	cursors sync.Map // string -> *atomic.Uint64
}

func New(st store.Store) *Keyring {
	return &Keyring{st: st}
}

// ListByVendorAndTag returns live credentials for vendor whose tags include
// tag. An empty tag matches every credential of the vendor.
func (k *Keyring) ListByVendorAndTag(ctx context.Context, vendor, tag string) ([]store.Credential, error) {
	creds, err := k.st.ListCredentials(ctx, vendor)
	if err != nil {
		return nil, err
	}
	if tag == "" {
		return creds, nil
	}
	var out []store.Credential
	for _, c := range creds {
		if hasTag(c.Tags, tag) {
			out = append(out, c)
		}
	}
	return out, nil
}

// SelectForBot picks one credential for the vendor honoring the bot's tags.
//
// A bot without tags draws from the full vendor pool. A tagged bot is
// matched in two passes: first credentials sharing at least one requested
// tag, then untagged credentials as a wildcard pool. Within the winning pool
// the highest vendor_priority group is rotated round-robin.
func (k *Keyring) SelectForBot(ctx context.Context, vendor string, tags []string) (*store.Credential, error) {
	creds, err := k.st.ListCredentials(ctx, vendor)
	if err != nil {
		return nil, err
	}
	if len(creds) == 0 {
		return nil, ErrNoKeyAvailable
	}

	pool := creds
	if len(tags) > 0 {
		pool = tagMatches(creds, tags)
		if len(pool) == 0 {
			pool = untagged(creds)
		}
	}
	if len(pool) == 0 {
		return nil, ErrNoKeyAvailable
	}

	// ListCredentials orders by vendor_priority DESC, so the top priority
	// group is a prefix of the pool.
	top := pool[0].VendorPriority
	n := 0
	for n < len(pool) && pool[n].VendorPriority == top {
		n++
	}

	idx := k.next(bucketKey(vendor, tags)) % uint64(n)
	c := pool[idx]
	return &c, nil
}

func (k *Keyring) next(key string) uint64 {
	v, _ := k.cursors.LoadOrStore(key, &atomic.Uint64{})
	return v.(*atomic.Uint64).Add(1) - 1
}

func bucketKey(vendor string, tags []string) string {
	if len(tags) == 0 {
		return vendor
	}
	sorted := make([]string, len(tags))
	copy(sorted, tags)
	sort.Strings(sorted)
	return vendor + "|" + strings.Join(sorted, ",")
}

func tagMatches(creds []store.Credential, tags []string) []store.Credential {
	var out []store.Credential
	for _, c := range creds {
		for _, t := range tags {
			if hasTag(c.Tags, t) {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

func untagged(creds []store.Credential) []store.Credential {
	var out []store.Credential
	for _, c := range creds {
		if len(c.Tags) == 0 {
			out = append(out, c)
		}
	}
	return out
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}
