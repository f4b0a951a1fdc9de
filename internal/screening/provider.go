// Package screening queries sanctions, PEP, adverse-media, and device
// reputation providers behind a TTL cache, with per-provider retry,
// timeouts, and circuit breaking.
package screening

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/veloxpay/sentinel/pkg/models"
)

// Provider is one external screening source.
type Provider interface {
	// Name identifies the provider in results and metrics.
	Name() string
	// Lists returns the list kinds this provider serves.
	Lists() []models.ListKind
	// Check screens one identity hash against one list. Implementations must
	// honor the context deadline.
	Check(ctx context.Context, identityHash string, list models.ListKind) (*models.ScreeningResult, error)
}

// UnimplementedProvider fails closed: a configured but not yet integrated
// provider returns an error, never a permissive CLEAR.
type UnimplementedProvider struct {
	ProviderName  string
	ProviderLists []models.ListKind
}

func (u *UnimplementedProvider) Name() string { return u.ProviderName }

func (u *UnimplementedProvider) Lists() []models.ListKind { return u.ProviderLists }

func (u *UnimplementedProvider) Check(ctx context.Context, identityHash string, list models.ListKind) (*models.ScreeningResult, error) {
	return nil, fmt.Errorf("provider %s is not integrated", u.ProviderName)
}

// StaticProvider serves screening verdicts from an in-memory table. Used for
// local deployments with file-fed lists and in tests.
type StaticProvider struct {
	mu      sync.RWMutex
	name    string
	lists   []models.ListKind
	entries map[string]map[models.ListKind]staticEntry
	// Latency simulates provider round-trip time when non-zero.
	Latency time.Duration
	// Fail forces every Check to error, for breaker and fail-closed tests.
	Fail bool
}

type staticEntry struct {
	status  models.ScreeningStatus
	matches []models.MatchedEntity
}

// NewStaticProvider creates an empty static provider serving the given lists.
func NewStaticProvider(name string, lists ...models.ListKind) *StaticProvider {
	return &StaticProvider{
		name:    name,
		lists:   lists,
		entries: make(map[string]map[models.ListKind]staticEntry),
	}
}

// Put registers a verdict for an identity hash on a list.
func (p *StaticProvider) Put(identityHash string, list models.ListKind, status models.ScreeningStatus, matches ...models.MatchedEntity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	byList, ok := p.entries[identityHash]
	if !ok {
		byList = make(map[models.ListKind]staticEntry)
		p.entries[identityHash] = byList
	}
	byList[list] = staticEntry{status: status, matches: matches}
}

// SetFail toggles forced failure.
func (p *StaticProvider) SetFail(fail bool) {
	p.mu.Lock()
	p.Fail = fail
	p.mu.Unlock()
}

func (p *StaticProvider) Name() string { return p.name }

func (p *StaticProvider) Lists() []models.ListKind { return p.lists }

func (p *StaticProvider) Check(ctx context.Context, identityHash string, list models.ListKind) (*models.ScreeningResult, error) {
	p.mu.RLock()
	fail := p.Fail
	latency := p.Latency
	entry, found := staticEntry{}, false
	if byList, ok := p.entries[identityHash]; ok {
		entry, found = byList[list]
	}
	p.mu.RUnlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, fmt.Errorf("provider %s unavailable", p.name)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &models.ScreeningResult{
		IdentityHash: identityHash,
		Provider:     p.name,
		List:         list,
		Status:       models.ScreeningClear,
	}
	if found {
		res.Status = entry.status
		res.Matches = entry.matches
	}
	return res, nil
}
