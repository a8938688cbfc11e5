package endpointpool

import (
	"strings"
	"time"
)

// Status describes an endpoint's current standing in the ring.
type Status string

const (
	// StatusHealthy marks an endpoint with no outstanding failures.
	StatusHealthy Status = "healthy"

	// StatusDegraded marks an endpoint with recent failures below the
	// down threshold.
	StatusDegraded Status = "degraded"

	// StatusDown marks an endpoint that failed repeatedly and is only
	// retried after its cooldown expires.
	StatusDown Status = "down"
)

// downFailThreshold is the consecutive-failure count at which an endpoint
// moves from Degraded to Down.
const downFailThreshold = 3

// EndpointHealth is the externally visible health snapshot of one endpoint.
type EndpointHealth struct {
	Endpoint          string
	Status            Status
	FailCount         uint
	LastErrorTime     time.Time
	LastSuccessTime   time.Time
	NextAvailableTime time.Time
}

// endpointHealth is the mutable record behind EndpointHealth. All access is
// guarded by the pool mutex.
type endpointHealth struct {
	status            Status
	failCount         uint
	lastErrorTime     time.Time
	lastSuccessTime   time.Time
	nextAvailableTime time.Time
}

func newEndpointHealth() *endpointHealth {
	return &endpointHealth{status: StatusHealthy}
}

// recordFailure bumps the failure count, schedules the exponential cooldown
// (min(2^failCount * baseDelay, maxCooldown)) and downgrades the status.
func (h *endpointHealth) recordFailure(now time.Time, baseDelay, maxCooldown time.Duration) {
	h.failCount++
	h.lastErrorTime = now
	h.nextAvailableTime = now.Add(backoffCooldown(h.failCount, baseDelay, maxCooldown))

	if h.failCount < downFailThreshold {
		h.status = StatusDegraded
	} else {
		h.status = StatusDown
	}
}

// recordSuccess resets the endpoint to a clean Healthy state.
func (h *endpointHealth) recordSuccess(now time.Time) {
	h.status = StatusHealthy
	h.failCount = 0
	h.lastSuccessTime = now
	h.nextAvailableTime = time.Time{}
}

// availableAt reports whether the endpoint's cooldown has expired.
func (h *endpointHealth) availableAt(now time.Time) bool {
	return h.nextAvailableTime.IsZero() || !h.nextAvailableTime.After(now)
}

// backoffCooldown computes min(2^failCount * base, max), guarding against
// shift overflow for large failure counts.
func backoffCooldown(failCount uint, base, max time.Duration) time.Duration {
	const maxExponent = 16
	if failCount > maxExponent {
		failCount = maxExponent
	}

	cooldown := base << failCount
	if cooldown <= 0 || cooldown > max {
		return max
	}
	return cooldown
}

// rateLimitMarkers are the substrings that identify a provider throttling
// response; matching failures are logged with a distinct rotation reason.
var rateLimitMarkers = []string{"429", "rate limit", "quota"}

// isRateLimited reports whether the error looks like a provider rate limit.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range rateLimitMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
