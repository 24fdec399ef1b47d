package relay

import (
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"sealchat/internal/logging"
	"sealchat/internal/metrics"
)

var log = logging.Logger("relay")

// ErrInvalidRelayURL is returned for anything that is not a ws:// or wss:// URL with a host.
var ErrInvalidRelayURL = xerrors.New("invalid relay url")

const (
	DefaultCooldown         = 5 * time.Minute
	DefaultFailureThreshold = 2
)

// Status is the connection state of a relay as last observed.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// Relay is a snapshot of one endpoint's health. Values handed out by
// the Registry are copies.
type Relay struct {
	URL              string        `json:"url"`
	Status           Status        `json:"status"`
	Latency          time.Duration `json:"latency"`
	ErrorCount       int           `json:"error_count"`
	PublishAttempts  int           `json:"publish_attempts"`
	PublishSuccesses int           `json:"publish_successes"`
	SuccessRate      float64       `json:"success_rate"`
	CooldownUntil    time.Time     `json:"cooldown_until"`
	LastError        string        `json:"last_error,omitempty"`
	Configured       bool          `json:"configured"`
}

// InCooldown reports whether the relay is excluded from selection at t.
func (r Relay) InCooldown(t time.Time) bool {
	return !r.CooldownUntil.IsZero() && t.Before(r.CooldownUntil)
}

// NormalizeURL validates a relay URL and returns its canonical form:
// lowercase scheme and host, no trailing slash on an empty path.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", xerrors.Errorf("%w: %v", ErrInvalidRelayURL, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", xerrors.Errorf("%w: scheme %q", ErrInvalidRelayURL, u.Scheme)
	}
	if u.Hostname() == "" {
		return "", xerrors.Errorf("%w: missing host", ErrInvalidRelayURL)
	}
	u.Host = strings.ToLower(u.Host)
	if u.Path == "/" {
		u.Path = ""
	}
	u.Fragment = ""
	return u.String(), nil
}

// Registry tracks health for every relay the process has talked to.
// Every transition replaces the stored value; snapshots never alias.
type Registry struct {
	mu     sync.Mutex
	relays map[string]Relay

	Cooldown  time.Duration
	Threshold int

	now func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		relays:    make(map[string]Relay),
		Cooldown:  DefaultCooldown,
		Threshold: DefaultFailureThreshold,
		now:       time.Now,
	}
}

// Add registers a configured relay and returns its normalized URL.
// Adding a known relay only marks it configured.
func (reg *Registry) Add(raw string) (string, error) {
	u, err := NormalizeURL(raw)
	if err != nil {
		return "", err
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.relays[u]
	if !ok {
		r = Relay{URL: u, Status: StatusDisconnected}
	}
	r.Configured = true
	reg.relays[u] = r
	return u, nil
}

func (reg *Registry) Remove(raw string) bool {
	u, err := NormalizeURL(raw)
	if err != nil {
		return false
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, ok := reg.relays[u]; !ok {
		return false
	}
	delete(reg.relays, u)
	return true
}

func (reg *Registry) Get(raw string) (Relay, bool) {
	u, err := NormalizeURL(raw)
	if err != nil {
		return Relay{}, false
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.relays[u]
	if !ok {
		return Relay{}, false
	}
	return reg.expire(r), true
}

// List returns all relays sorted by URL.
func (reg *Registry) List() []Relay {
	reg.mu.Lock()
	out := make([]Relay, 0, len(reg.relays))
	for _, r := range reg.relays {
		out = append(out, reg.expire(r))
	}
	reg.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// Configured returns the URLs added through Add.
func (reg *Registry) Configured() []string {
	var out []string
	for _, r := range reg.List() {
		if r.Configured {
			out = append(out, r.URL)
		}
	}
	return out
}

func (reg *Registry) InCooldown(raw string) bool {
	r, ok := reg.Get(raw)
	return ok && r.InCooldown(reg.now())
}

func (reg *Registry) MarkConnecting(raw string) {
	reg.update(raw, func(r Relay) Relay {
		r.Status = StatusConnecting
		return r
	})
}

func (reg *Registry) MarkConnected(raw string, latency time.Duration) {
	reg.update(raw, func(r Relay) Relay {
		return succeeded(r, latency)
	})
}

func (reg *Registry) MarkFailure(raw string, reason string) {
	reg.update(raw, func(r Relay) Relay {
		return reg.failed(r, reason)
	})
}

// RecordPublish accounts one publish attempt and its outcome.
func (reg *Registry) RecordPublish(raw string, ok bool, latency time.Duration, reason string) {
	reg.update(raw, func(r Relay) Relay {
		r.PublishAttempts++
		if ok {
			r.PublishSuccesses++
		}
		r.SuccessRate = float64(r.PublishSuccesses) / float64(r.PublishAttempts)
		if ok {
			return succeeded(r, latency)
		}
		r.Latency = latency
		return reg.failed(r, reason)
	})
}

// update applies fn to a copy of the relay and stores the result.
// Unknown but valid URLs are tracked as unconfigured.
func (reg *Registry) update(raw string, fn func(Relay) Relay) {
	u, err := NormalizeURL(raw)
	if err != nil {
		log.Debugf("ignoring update for %q: %v", raw, err)
		return
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.relays[u]
	if !ok {
		r = Relay{URL: u, Status: StatusDisconnected}
	}
	reg.relays[u] = fn(reg.expire(r))
}

// expire moves a relay whose cooldown has passed back to disconnected
// with a clean error count. Caller holds mu.
func (reg *Registry) expire(r Relay) Relay {
	if r.CooldownUntil.IsZero() || reg.now().Before(r.CooldownUntil) {
		return r
	}
	r.CooldownUntil = time.Time{}
	r.ErrorCount = 0
	r.Status = StatusDisconnected
	reg.relays[r.URL] = r
	return r
}

func succeeded(r Relay, latency time.Duration) Relay {
	r.Status = StatusConnected
	r.Latency = latency
	r.ErrorCount = 0
	r.CooldownUntil = time.Time{}
	r.LastError = ""
	return r
}

func (reg *Registry) failed(r Relay, reason string) Relay {
	r.Status = StatusError
	r.ErrorCount++
	r.LastError = reason
	if r.ErrorCount >= reg.Threshold && r.CooldownUntil.IsZero() {
		r.CooldownUntil = reg.now().Add(reg.Cooldown)
		metrics.Relay.Cooldowns.WithLabelValues(r.URL).Inc()
		log.Warnf("relay %s in cooldown until %s: %s", r.URL, r.CooldownUntil.Format(time.TimeOnly), reason)
	}
	return r
}
