package control

import (
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// OriginPolicy decides which browser origins may open a subscription.
// Requests without an Origin header come from non-browser clients and are
// always accepted.
type OriginPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
	log      *zap.SugaredLogger
}

// NewOriginPolicy builds a policy from configured origins. "*" allows any.
func NewOriginPolicy(origins []string, log *zap.Logger) *OriginPolicy {
	if log == nil {
		log = zap.NewNop()
	}
	p := &OriginPolicy{allowed: make(map[string]struct{}), log: log.Sugar().Named("origin")}

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			p.allowAll = true
			continue
		}
		normalized, ok := normalizeOrigin(trimmed)
		if !ok {
			p.log.Warnw("ignoring invalid origin in configuration", "origin", origin)
			continue
		}
		p.allowed[normalized] = struct{}{}
	}
	return p
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}

	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

// Allowed reports whether the origin of r may subscribe.
func (p *OriginPolicy) Allowed(origin string) bool {
	if origin == "" || p.allowAll {
		return true
	}
	normalized, ok := normalizeOrigin(origin)
	if !ok {
		return false
	}
	_, exists := p.allowed[normalized]
	return exists
}

// CheckOrigin has the shape websocket.Upgrader expects.
func (p *OriginPolicy) CheckOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if p.Allowed(origin) {
		return true
	}
	p.log.Warnw("blocked subscription from disallowed origin", "origin", origin)
	return false
}
