// Package sanitize redacts credential values from agent events before they
// reach the event log or any subscriber. The secret set is derived from the
// process environment and cached until explicitly reset.
package sanitize

import (
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
)

// Redacted replaces every matched secret value.
const Redacted = "[REDACTED]"

// minSecretLength guards against false positives: env values shorter than
// this are never treated as secrets even when their key looks credential-like.
const minSecretLength = 8

// credentialKeyMarkers flag an environment key as naming a credential.
var credentialKeyMarkers = []string{
	"TOKEN", "SECRET", "PASSWORD", "PASSWD", "CREDENTIAL",
	"API_KEY", "APIKEY", "ACCESS_KEY", "PRIVATE_KEY", "AUTH",
	"_PAT", "_KEY",
}

// Service scans string leaves of events for secret values. Safe for
// concurrent use; ResetCache is rare and briefly blocks readers.
type Service struct {
	mu      sync.RWMutex
	secrets []string // longest-first so overlapping secrets redact fully
	loaded  bool

	// environ is swappable in tests; defaults to os.Environ.
	environ func() []string
}

// NewService creates a sanitizer reading secrets from the process environment.
func NewService() *Service {
	return &Service{environ: os.Environ}
}

// NewServiceWithEnviron creates a sanitizer with a custom environment source.
func NewServiceWithEnviron(environ func() []string) *Service {
	return &Service{environ: environ}
}

// ResetCache discards the cached secret set. The next Sanitize call rebuilds
// it from the environment. Called by the secrets layer on key rotation.
func (s *Service) ResetCache() {
	s.mu.Lock()
	s.loaded = false
	s.secrets = nil
	s.mu.Unlock()
}

// secretSet returns the cached secret values, building them on first use.
func (s *Service) secretSet() []string {
	s.mu.RLock()
	if s.loaded {
		defer s.mu.RUnlock()
		return s.secrets
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return s.secrets
	}
	s.secrets = buildSecretSet(s.environ())
	s.loaded = true
	slog.Debug("Sanitizer secret set rebuilt", "count", len(s.secrets))
	return s.secrets
}

func buildSecretSet(environ []string) []string {
	var secrets []string
	seen := make(map[string]bool)
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || len(value) < minSecretLength || seen[value] {
			continue
		}
		if !keyNamesCredential(key) {
			continue
		}
		seen[value] = true
		secrets = append(secrets, value)
	}
	// Longest first: when one secret is a prefix of another, the longer match
	// must win or the tail of the longer value would survive redaction.
	sort.Slice(secrets, func(i, j int) bool { return len(secrets[i]) > len(secrets[j]) })
	return secrets
}

func keyNamesCredential(key string) bool {
	upper := strings.ToUpper(key)
	for _, marker := range credentialKeyMarkers {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}

// SanitizeString redacts every secret occurrence in s. Matching is literal
// and case-sensitive.
func (s *Service) SanitizeString(in string) string {
	out := in
	for _, secret := range s.secretSet() {
		out = strings.ReplaceAll(out, secret, Redacted)
	}
	return out
}

// Sanitize returns a deep copy of the event with every string leaf redacted.
// The input is never mutated. The boolean is false when sanitization failed;
// per the drop policy the caller must discard the event rather than forward
// it, since a failed pass may still carry raw secrets.
func (s *Service) Sanitize(event map[string]any) (sanitized map[string]any, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Sanitizer failed, dropping event", "panic", r)
			sanitized, ok = nil, false
		}
	}()
	secrets := s.secretSet()
	return sanitizeMap(event, secrets), true
}

func sanitizeMap(m map[string]any, secrets []string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = sanitizeValue(v, secrets)
	}
	return out
}

func sanitizeValue(v any, secrets []string) any {
	switch val := v.(type) {
	case string:
		for _, secret := range secrets {
			val = strings.ReplaceAll(val, secret, Redacted)
		}
		return val
	case map[string]any:
		return sanitizeMap(val, secrets)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item, secrets)
		}
		return out
	default:
		// Numbers, booleans, nil: nothing to redact.
		return v
	}
}
