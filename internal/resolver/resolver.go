// Package resolver answers "which credentials can serve this model" and
// tracks per-route health from live traffic.
//
// Candidates are ranked by preferred vendor first, then vendor priority,
// then health score, with a stable sort so equal routes keep their store
// ordering. Health is an exponential moving average fed by request outcomes
// through a bounded channel; a single consumer applies updates in memory and
// persists them off the hot path.
package resolver

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/nulpointcorp/botgate/internal/store"
)

// ErrNoCandidates is returned when no available route serves the model.
var ErrNoCandidates = errors.New("resolver: no candidates")

const (
	eventBuffer = 4096

	// EMA weights: health converges slowly toward the latest outcome so a
	// single blip does not evict a route.
	emaOld = 0.9
	emaNew = 0.1

	fullHealth = 100
)

// Candidate is one (credential, model) route able to serve a request.
type Candidate struct {
	Credential     store.Credential
	Model          string
	VendorPriority int
	HealthScore    int
}

// Options narrows and orders resolution.
type Options struct {
	// PreferredVendor floats that vendor's routes to the front without
	// excluding others.
	PreferredVendor string

	// Vendor, when set, restricts candidates to exactly that vendor.
	Vendor string

	// RequiredProtocol keeps only credentials whose apiType satisfies the
	// protocol: "anthropic-native" means apiType anthropic, and
	// "openai-compatible" means any other apiType. A literal apiType value
	// is also accepted.
	RequiredProtocol string

	// ExcludeCredentialIDs drops the listed credentials from the pool.
	// Failover walks use it to skip credentials that already failed.
	ExcludeCredentialIDs []string

	// MinHealth excludes routes scoring below the bound. 0 means no bound.
	MinHealth int
}

type outcome struct {
	credentialID string
	model        string
	success      bool
}

// Resolver resolves model names to credential routes.
type Resolver struct {
	st  store.Store
	log *slog.Logger

	mu     sync.RWMutex
	health map[string]int // "credID|model" -> score

	events    chan outcome
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New loads persisted health scores and starts the outcome consumer.
func New(ctx context.Context, st store.Store, log *slog.Logger) (*Resolver, error) {
	r := &Resolver{
		st:     st,
		log:    log,
		health: make(map[string]int),
		events: make(chan outcome, eventBuffer),
		done:   make(chan struct{}),
	}

	rows, err := st.ListAllModelAvailability(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range rows {
		r.health[routeKey(a.CredentialID, a.ModelName)] = a.HealthScore
	}

	r.wg.Add(1)
	go r.consume()
	return r, nil
}

// Resolve returns the best candidate for the model, or ErrNoCandidates.
func (r *Resolver) Resolve(ctx context.Context, model string, opts Options) (*Candidate, error) {
	all, err := r.ResolveAll(ctx, model, opts)
	if err != nil {
		return nil, err
	}
	return &all[0], nil
}

// ResolveAll returns every available candidate for the model in rank order.
func (r *Resolver) ResolveAll(ctx context.Context, model string, opts Options) ([]Candidate, error) {
	rows, err := r.st.ListModelAvailability(ctx, model)
	if err != nil {
		return nil, err
	}

	var out []Candidate
	for _, a := range rows {
		if !a.IsAvailable {
			continue
		}
		if contains(opts.ExcludeCredentialIDs, a.CredentialID) {
			continue
		}
		cred, err := r.st.GetCredential(ctx, a.CredentialID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if cred.DeletedAt != nil {
			continue
		}
		if opts.Vendor != "" && cred.Vendor != opts.Vendor {
			continue
		}
		if !protocolMatches(opts.RequiredProtocol, cred.APIType) {
			continue
		}
		score := r.Health(a.CredentialID, model)
		if opts.MinHealth > 0 && score < opts.MinHealth {
			continue
		}
		out = append(out, Candidate{
			Credential:     *cred,
			Model:          model,
			VendorPriority: a.VendorPriority,
			HealthScore:    score,
		})
	}
	if len(out) == 0 {
		return nil, ErrNoCandidates
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if opts.PreferredVendor != "" {
			ap := a.Credential.Vendor == opts.PreferredVendor
			bp := b.Credential.Vendor == opts.PreferredVendor
			if ap != bp {
				return ap
			}
		}
		if a.VendorPriority != b.VendorPriority {
			return a.VendorPriority > b.VendorPriority
		}
		return a.HealthScore > b.HealthScore
	})
	return out, nil
}

// Health returns the current in-memory score for a route. Unknown routes
// score full health so new credentials are tried immediately.
func (r *Resolver) Health(credentialID, model string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.health[routeKey(credentialID, model)]; ok {
		return s
	}
	return fullHealth
}

// ReportOutcome feeds one request result into the EMA. Never blocks; under
// extreme load excess outcomes are dropped.
func (r *Resolver) ReportOutcome(credentialID, model string, success bool) {
	select {
	case r.events <- outcome{credentialID: credentialID, model: model, success: success}:
	default:
	}
}

// Close drains pending outcomes and stops the consumer.
func (r *Resolver) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
	return nil
}

func (r *Resolver) consume() {
	defer r.wg.Done()
	for {
		select {
		case o := <-r.events:
			r.apply(o)
		case <-r.done:
			for {
				select {
				case o := <-r.events:
					r.apply(o)
				default:
					return
				}
			}
		}
	}
}

func (r *Resolver) apply(o outcome) {
	key := routeKey(o.credentialID, o.model)

	sample := 0.0
	if o.success {
		sample = fullHealth
	}

	r.mu.Lock()
	old, ok := r.health[key]
	if !ok {
		old = fullHealth
	}
	next := int(math.Round(emaOld*float64(old) + emaNew*sample))
	r.health[key] = next
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.st.UpdateModelHealth(ctx, o.credentialID, o.model, next); err != nil {
		r.log.Warn("persist health score failed",
			slog.String("credential_id", o.credentialID),
			slog.String("model", o.model),
			slog.String("error", err.Error()),
		)
	}
}

func routeKey(credentialID, model string) string {
	return credentialID + "|" + model
}

func contains(xs []string, want string) bool {
	for _, x := range xs {
		if x == want {
			return true
		}
	}
	return false
}

func protocolMatches(required, apiType string) bool {
	switch required {
	case "":
		return true
	case "anthropic-native":
		return apiType == "anthropic"
	case "openai-compatible":
		return apiType != "anthropic"
	}
	return required == apiType
}
