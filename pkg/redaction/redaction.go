// Package redaction masks credentials before they reach a log sink.
// It knows the shapes a gateway client leaks most often: Authorization
// headers, token query parameters in gateway URLs and JSON token fields.
package redaction

import (
	"regexp"
	"strings"
	"sync"
)

// Config holds redaction configuration.
type Config struct {
	// Enabled controls whether redaction is active.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// CustomPatterns allows additional regex patterns to redact.
	CustomPatterns []string `json:"custom_patterns" yaml:"custom_patterns"`

	// Replacement is the string used to replace sensitive data.
	Replacement string `json:"replacement" yaml:"replacement"`
}

// DefaultConfig returns the default redaction configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		Replacement: "[REDACTED]",
	}
}

var (
	// Authorization: Bot xxx / Bearer xxx
	authHeaderPattern = regexp.MustCompile(`(?i)\b(bot|bearer)\s+([A-Za-z0-9_\-\.=/+]{8,})`)
	// ?token=xxx or &token=xxx inside gateway URLs
	queryTokenPattern = regexp.MustCompile(`(?i)([?&](?:token|access_token)=)([^&\s"]+)`)
	// "token": "xxx"
	jsonTokenPattern = regexp.MustCompile(`(?i)"(?:token|access_token|secret|client_secret)"\s*:\s*"([^"]+)"`)
)

// Redactor provides sensitive data redaction capabilities.
type Redactor struct {
	config  Config
	custom  []*regexp.Regexp
	secrets []string
	mu      sync.RWMutex
}

// NewRedactor creates a new Redactor with the given configuration.
func NewRedactor(config Config) *Redactor {
	if config.Replacement == "" {
		config.Replacement = "[REDACTED]"
	}
	r := &Redactor{config: config}
	for _, pattern := range config.CustomPatterns {
		if re, err := regexp.Compile(pattern); err == nil {
			r.custom = append(r.custom, re)
		}
	}
	return r
}

// AddSecret registers a literal value that must never be logged, such as
// the bot token loaded from configuration. Short values are ignored so a
// misconfigured empty token cannot blank out every log line.
func (r *Redactor) AddSecret(secret string) {
	if len(secret) < 6 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.secrets {
		if s == secret {
			return
		}
	}
	r.secrets = append(r.secrets, secret)
}

// Redact applies all configured redaction rules to the input string.
func (r *Redactor) Redact(input string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.config.Enabled || input == "" {
		return input
	}

	result := input
	for _, s := range r.secrets {
		result = strings.ReplaceAll(result, s, r.config.Replacement)
	}

	result = authHeaderPattern.ReplaceAllString(result, "${1} "+r.config.Replacement)
	result = queryTokenPattern.ReplaceAllString(result, "${1}"+r.config.Replacement)
	result = jsonTokenPattern.ReplaceAllStringFunc(result, func(match string) string {
		sub := jsonTokenPattern.FindStringSubmatch(match)
		if len(sub) < 2 {
			return match
		}
		return strings.Replace(match, sub[1], r.config.Replacement, 1)
	})

	for _, re := range r.custom {
		result = re.ReplaceAllString(result, r.config.Replacement)
	}
	return result
}

// RedactFields redacts sensitive values in a map.
func (r *Redactor) RedactFields(fields map[string]any) map[string]any {
	r.mu.RLock()
	enabled := r.config.Enabled
	replacement := r.config.Replacement
	r.mu.RUnlock()

	if !enabled || fields == nil {
		return fields
	}

	result := make(map[string]any, len(fields))
	for k, v := range fields {
		if isSensitiveKey(strings.ToLower(k)) {
			result[k] = replacement
			continue
		}
		switch val := v.(type) {
		case string:
			result[k] = r.Redact(val)
		case map[string]any:
			result[k] = r.RedactFields(val)
		default:
			result[k] = v
		}
	}
	return result
}

func isSensitiveKey(key string) bool {
	for _, sk := range []string{"token", "secret", "password", "authorization", "credential"} {
		if strings.Contains(key, sk) {
			return true
		}
	}
	return false
}

// SetEnabled enables or disables redaction at runtime.
func (r *Redactor) SetEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.config.Enabled = enabled
}

var (
	globalMu       sync.RWMutex
	globalRedactor = NewRedactor(DefaultConfig())
)

func global() *Redactor {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalRedactor
}

// Redact applies redaction using the global redactor.
func Redact(input string) string {
	return global().Redact(input)
}

// RedactFields redacts fields using the global redactor.
func RedactFields(fields map[string]any) map[string]any {
	return global().RedactFields(fields)
}

// AddSecret registers a literal secret with the global redactor.
func AddSecret(secret string) {
	global().AddSecret(secret)
}

// SetGlobalConfig replaces the global redactor. Registered secrets are kept.
func SetGlobalConfig(config Config) {
	next := NewRedactor(config)
	globalMu.Lock()
	defer globalMu.Unlock()
	globalRedactor.mu.RLock()
	next.secrets = append(next.secrets, globalRedactor.secrets...)
	globalRedactor.mu.RUnlock()
	globalRedactor = next
}
