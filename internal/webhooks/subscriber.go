// Package webhooks delivers domain events to registered external HTTP
// endpoints with per-subscriber authentication, retry, signing and
// circuit-breaker protection.
package webhooks

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/zedaapi/gateway/internal/events"
)

// Errors surfaced by subscriber validation and repositories.
var (
	ErrNotFound      = errors.New("webhook not found")
	ErrDuplicateName = errors.New("webhook name already in use")
)

// Auth discriminator values.
const (
	AuthNone   = "none"
	AuthBearer = "bearer"
	AuthBasic  = "basic"
	AuthAPIKey = "apiKey"
	AuthJWT    = "jwt"
)

// AuthConfig is a tagged variant; Type decides which fields are required.
type AuthConfig struct {
	Type     string `json:"type"`
	Token    string `json:"token,omitempty"`    // bearer, apiKey
	Username string `json:"username,omitempty"` // basic
	Password string `json:"password,omitempty"` // basic
	Header   string `json:"header,omitempty"`   // apiKey
	Secret   string `json:"secret,omitempty"`   // jwt
}

func (a AuthConfig) validate() error {
	switch a.Type {
	case "", AuthNone:
		return nil
	case AuthBearer:
		if a.Token == "" {
			return errors.New("bearer authentication requires token")
		}
	case AuthBasic:
		if a.Username == "" || a.Password == "" {
			return errors.New("basic authentication requires username and password")
		}
	case AuthAPIKey:
		if a.Token == "" || a.Header == "" {
			return errors.New("apiKey authentication requires token and header")
		}
	case AuthJWT:
		if a.Secret == "" {
			return errors.New("jwt authentication requires secret")
		}
	default:
		return fmt.Errorf("unknown authentication type %q", a.Type)
	}
	return nil
}

// RetryConfig controls the delivery retry loop.
type RetryConfig struct {
	MaxAttempts             int     `json:"maxAttempts"`
	InitialDelaySeconds     int     `json:"initialDelaySeconds"`
	UseExponentialBackoff   bool    `json:"useExponentialBackoff"`
	MaxDelaySeconds         int     `json:"maxDelaySeconds"`
	JitterFactor            float64 `json:"jitterFactor"`
	NonRetryableStatusCodes []int   `json:"nonRetryableStatusCodes,omitempty"`
}

// DefaultRetryConfig matches the documented defaults for new subscribers.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:             3,
		InitialDelaySeconds:     5,
		UseExponentialBackoff:   true,
		MaxDelaySeconds:         300,
		JitterFactor:            0.2,
		NonRetryableStatusCodes: []int{400, 401, 403, 404, 422},
	}
}

func (r RetryConfig) validate() error {
	if r.MaxAttempts < 1 || r.MaxAttempts > 20 {
		return fmt.Errorf("maxAttempts must be 1-20, got %d", r.MaxAttempts)
	}
	if r.InitialDelaySeconds < 1 || r.InitialDelaySeconds > 300 {
		return fmt.Errorf("initialDelaySeconds must be 1-300, got %d", r.InitialDelaySeconds)
	}
	if r.MaxDelaySeconds < 1 || r.MaxDelaySeconds > 3600 {
		return fmt.Errorf("maxDelaySeconds must be 1-3600, got %d", r.MaxDelaySeconds)
	}
	if r.JitterFactor < 0 || r.JitterFactor > 1 {
		return fmt.Errorf("jitterFactor must be 0-1, got %v", r.JitterFactor)
	}
	return nil
}

// NonRetryable reports whether an HTTP status must not be retried.
func (r RetryConfig) NonRetryable(status int) bool {
	for _, code := range r.NonRetryableStatusCodes {
		if code == status {
			return true
		}
	}
	return false
}

// SecurityConfig enables HMAC signing of the outbound body.
type SecurityConfig struct {
	EnableSignatureValidation bool   `json:"enableSignatureValidation"`
	SignatureSecret           string `json:"signatureSecret,omitempty"`
	SignatureHeader           string `json:"signatureHeader,omitempty"`
	SignatureAlgorithm        string `json:"signatureAlgorithm,omitempty"`
}

func (s SecurityConfig) validate() error {
	if !s.EnableSignatureValidation {
		return nil
	}
	if len(s.SignatureSecret) < 16 {
		return errors.New("signatureSecret must be at least 16 characters")
	}
	switch s.SignatureAlgorithm {
	case "sha256", "sha1", "md5":
	default:
		return fmt.Errorf("unsupported signature algorithm %q", s.SignatureAlgorithm)
	}
	return nil
}

// FilterConfig narrows deliveries by originating instance.
type FilterConfig struct {
	Instances        []string `json:"instances,omitempty"`
	ExcludeInstances []string `json:"excludeInstances,omitempty"`
}

// Matches applies the allow-list then the deny-list to an instance name.
func (f FilterConfig) Matches(instance string) bool {
	if len(f.Instances) > 0 {
		found := false
		for _, n := range f.Instances {
			if n == instance {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, n := range f.ExcludeInstances {
		if n == instance {
			return false
		}
	}
	return true
}

// Stats holds per-subscriber execution counters. Counters are monotonic;
// LastExecutionError is cleared on success.
type Stats struct {
	TotalExecutions      int64      `json:"totalExecutions"`
	SuccessfulExecutions int64      `json:"successfulExecutions"`
	FailedExecutions     int64      `json:"failedExecutions"`
	LastExecutionAt      *time.Time `json:"lastExecutionAt,omitempty"`
	LastExecutionStatus  string     `json:"lastExecutionStatus,omitempty"`
	LastExecutionError   string     `json:"lastExecutionError,omitempty"`
}

// Subscriber is a registered external webhook endpoint.
type Subscriber struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	URL            string            `json:"url"`
	Description    string            `json:"description,omitempty"`
	Enabled        bool              `json:"enabled"`
	Events         []events.Kind     `json:"events,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Authentication AuthConfig        `json:"authentication"`
	RetryConfig    RetryConfig       `json:"retryConfig"`
	SecurityConfig SecurityConfig    `json:"securityConfig"`
	FilterConfig   FilterConfig      `json:"filterConfig"`
	TimeoutMs      int               `json:"timeout"`
	Stats          Stats             `json:"stats"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// WantsEvent applies the event filter; an empty set subscribes to all kinds.
func (s *Subscriber) WantsEvent(kind events.Kind) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, k := range s.Events {
		if k == kind {
			return true
		}
	}
	return false
}

// Timeout returns the per-request delivery timeout.
func (s *Subscriber) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// Validate enforces the structural invariants of a subscriber record.
// development relaxes the URL restrictions for local endpoints.
func (s *Subscriber) Validate(development bool) error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if err := validateURL(s.URL, development); err != nil {
		return err
	}
	for _, k := range s.Events {
		if !events.Valid(k) {
			return fmt.Errorf("unknown event kind %q", k)
		}
	}
	if err := s.Authentication.validate(); err != nil {
		return err
	}
	if err := s.RetryConfig.validate(); err != nil {
		return err
	}
	if err := s.SecurityConfig.validate(); err != nil {
		return err
	}
	if s.TimeoutMs < 1000 || s.TimeoutMs > 60000 {
		return fmt.Errorf("timeout must be 1000-60000 ms, got %d", s.TimeoutMs)
	}
	return nil
}

func validateURL(raw string, development bool) error {
	if raw == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return errors.New("url host is required")
	}
	if development {
		return nil
	}
	host := u.Hostname()
	if host == "localhost" {
		return errors.New("url must not point at loopback in production")
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() {
			return errors.New("url must not point at loopback in production")
		}
		if ip.IsPrivate() || ip.IsLinkLocalUnicast() {
			return errors.New("url must not point at a private network in production")
		}
	}
	return nil
}
