package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// AuthMetrics holds prometheus collectors for the authentication core.
type AuthMetrics struct {
	// LoginOutcomes counts terminal login results, labeled by federation
	// provider (saml|oidc) and outcome (authenticated|pending_mfa|rejected).
	LoginOutcomes *prometheus.CounterVec

	// ReplayRejections counts submissions blocked by the replay guard,
	// labeled by kind (saml_request|saml_assertion|oidc_nonce).
	ReplayRejections *prometheus.CounterVec

	// DiscoveryRequests counts domain discovery calls labeled by result
	// (available|unavailable). The label never distinguishes why a domain
	// was unavailable.
	DiscoveryRequests *prometheus.CounterVec

	// ProviderRoundTrip observes the latency of outbound calls to identity
	// providers (token exchange, JWKS, userinfo), labeled by endpoint.
	ProviderRoundTrip *prometheus.HistogramVec

	// ProvisionedMembers counts JIT-created team memberships.
	ProvisionedMembers prometheus.Counter

	// RateLimited counts requests rejected by the rate limiter, labeled by route.
	RateLimited *prometheus.CounterVec
}

// NewAuthMetrics creates the collectors with the skyhook namespace.
func NewAuthMetrics() *AuthMetrics {
	return &AuthMetrics{
		LoginOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skyhook",
			Subsystem: "sso",
			Name:      "login_outcomes_total",
			Help:      "Terminal SSO login outcomes by provider and outcome.",
		}, []string{"provider", "outcome"}),
		ReplayRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skyhook",
			Subsystem: "sso",
			Name:      "replay_rejections_total",
			Help:      "Login callbacks rejected because correlation state was already consumed.",
		}, []string{"kind"}),
		DiscoveryRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skyhook",
			Subsystem: "sso",
			Name:      "discovery_requests_total",
			Help:      "Domain discovery requests by availability result.",
		}, []string{"result"}),
		ProviderRoundTrip: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "skyhook",
			Subsystem: "sso",
			Name:      "provider_round_trip_seconds",
			Help:      "Latency of outbound identity provider calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		ProvisionedMembers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "skyhook",
			Subsystem: "sso",
			Name:      "provisioned_members_total",
			Help:      "Team memberships created by JIT provisioning.",
		}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skyhook",
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		}, []string{"route"}),
	}
}

// MustRegister registers all collectors with the given registerer.
func (m *AuthMetrics) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		m.LoginOutcomes,
		m.ReplayRejections,
		m.DiscoveryRequests,
		m.ProviderRoundTrip,
		m.ProvisionedMembers,
		m.RateLimited,
	)
}

// ObserveLogin records a terminal login outcome.
func (m *AuthMetrics) ObserveLogin(provider, outcome string) {
	m.LoginOutcomes.WithLabelValues(provider, outcome).Inc()
}

// ObserveReplay records a replay-guard rejection.
func (m *AuthMetrics) ObserveReplay(kind string) {
	m.ReplayRejections.WithLabelValues(kind).Inc()
}
