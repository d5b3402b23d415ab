package sso

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/skyhookhq/skyhook/pkg/observability"
)

const (
	discoveryCacheSize = 4096
	discoveryCacheTTL  = 30 * time.Second
)

// Discovery maps an email's domain to a team login configuration and
// decides whether SSO is offered. Every negative answer is identical:
// unknown domain, pending verification, and disabled SSO all read as
// "not available", so the endpoint cannot be used to enumerate tenants.
type Discovery struct {
	store  *Store
	cache  *expirable.LRU[string, bool]
	logger *observability.Logger
}

// NewDiscovery creates a discovery resolver with a short-TTL cache in
// front of the domain lookup. The cache bounds database load from the
// unauthenticated discover endpoint; 30 seconds of staleness after a
// config change is acceptable there.
func NewDiscovery(store *Store, logger *observability.Logger) *Discovery {
	return &Discovery{
		store:  store,
		cache:  expirable.NewLRU[string, bool](discoveryCacheSize, nil, discoveryCacheTTL),
		logger: logger.WithComponent("discovery"),
	}
}

// Discover reports whether SSO is available for the email's domain.
// Read-only; rate limiting happens upstream.
func (d *Discovery) Discover(ctx context.Context, email string) (bool, error) {
	domain, ok := emailDomain(email)
	if !ok {
		return false, nil
	}

	if available, hit := d.cache.Get(domain); hit {
		return available, nil
	}

	_, err := d.resolveDomain(ctx, domain)
	switch {
	case err == nil:
		d.cache.Add(domain, true)
		return true, nil
	case errors.Is(err, ErrSSONotAvailable):
		d.cache.Add(domain, false)
		return false, nil
	default:
		// Infrastructure errors are not cached and not converted into a
		// definitive "no".
		return false, err
	}
}

// Resolve performs the full uncached resolution used by login start: it
// returns the team's login configuration, or ErrSSONotAvailable for every
// kind of negative answer.
func (d *Discovery) Resolve(ctx context.Context, email string) (*LoginConfiguration, error) {
	domain, ok := emailDomain(email)
	if !ok {
		return nil, ErrSSONotAvailable
	}
	return d.resolveDomain(ctx, domain)
}

func (d *Discovery) resolveDomain(ctx context.Context, domain string) (*LoginConfiguration, error) {
	dv, err := d.store.GetDomainVerification(ctx, domain)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrSSONotAvailable
	}
	if err != nil {
		return nil, err
	}
	if dv.Status != DomainVerified {
		return nil, ErrSSONotAvailable
	}

	cfg, err := d.store.GetLoginConfigurationByTeam(ctx, dv.TeamID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrSSONotAvailable
	}
	if err != nil {
		return nil, err
	}
	if !cfg.SSOEnabled || !cfg.Provider.Valid() {
		return nil, ErrSSONotAvailable
	}

	// A matching provider configuration must exist.
	switch cfg.Provider {
	case ProviderSAML:
		_, err = d.store.GetSAMLConfiguration(ctx, cfg.ID)
	case ProviderOIDC:
		_, err = d.store.GetOIDCConfiguration(ctx, cfg.ID)
	}
	if errors.Is(err, ErrNotFound) {
		d.logger.WithField("team_id", dv.TeamID).Warn("sso enabled but provider configuration missing")
		return nil, ErrSSONotAvailable
	}
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// emailDomain extracts the lowercased domain from an email address.
func emailDomain(email string) (string, bool) {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "", false
	}
	domain := strings.ToLower(strings.TrimSpace(email[at+1:]))
	if domain == "" || strings.ContainsAny(domain, " \t") {
		return "", false
	}
	return domain, true
}
