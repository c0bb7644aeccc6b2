// Package server normalizes and validates HTTP origins for WebSocket requests
// to enforce configured access control.
package server

import (
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

type originPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
	log      *zap.SugaredLogger
}

func newOriginPolicy(origins []string, log *zap.SugaredLogger) *originPolicy {
	normalized, allowAll := normalizeOrigins(origins, log)
	p := &originPolicy{
		allowAll: allowAll,
		allowed:  make(map[string]struct{}, len(normalized)),
		log:      log,
	}
	for _, origin := range normalized {
		p.allowed[origin] = struct{}{}
	}
	return p
}

func normalizeOrigins(origins []string, log *zap.SugaredLogger) ([]string, bool) {
	if len(origins) == 0 {
		return nil, false
	}

	normalized := make([]string, 0, len(origins))
	allowAll := false

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}

		if trimmed == "*" {
			allowAll = true
			continue
		}

		normalizedOrigin, ok := normalizeOrigin(trimmed)
		if !ok {
			log.Warnw("ignoring invalid origin in configuration", "origin", origin)
			continue
		}

		normalized = append(normalized, normalizedOrigin)
	}

	return normalized, allowAll
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}

	normalized := strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host)
	return normalized, true
}

func (p *originPolicy) isAllowed(r *http.Request) bool {
	originHeader := r.Header.Get("Origin")
	if originHeader == "" {
		return false
	}

	normalizedOrigin, ok := normalizeOrigin(originHeader)
	if !ok {
		return false
	}

	if p.allowAll {
		return true
	}

	_, exists := p.allowed[normalizedOrigin]
	return exists
}

func (p *originPolicy) check(r *http.Request) bool {
	if p.isAllowed(r) {
		return true
	}

	p.log.Infow("blocked websocket connection from disallowed origin", "origin", r.Header.Get("Origin"))
	return false
}
