package nip05

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/xerrors"

	"sealchat/internal/logging"
)

var log = logging.Logger("nip05")

// ErrInvalidIdentifier is returned for anything that is not user@domain.tld.
var ErrInvalidIdentifier = xerrors.New("invalid nip05 identifier")

const (
	DefaultTimeout = 5 * time.Second
	maxBody        = 1 << 20
)

var identifierRe = regexp.MustCompile(`^([^@\s]+)@([^@\s]+\.[^@\s]+)$`)

// Resolver looks up user@domain identifiers in the domain's
// /.well-known/nostr.json document.
type Resolver struct {
	Client  *http.Client
	Timeout time.Duration
}

func NewResolver() *Resolver {
	return &Resolver{Client: http.DefaultClient, Timeout: DefaultTimeout}
}

// Split returns the user and domain parts of an identifier.
func Split(identifier string) (user, domain string, err error) {
	m := identifierRe.FindStringSubmatch(strings.TrimSpace(identifier))
	if m == nil {
		return "", "", xerrors.Errorf("%w: %q", ErrInvalidIdentifier, identifier)
	}
	return m[1], m[2], nil
}

// Resolve returns the public key the domain publishes for the user, or
// "" if it publishes none.
func (r *Resolver) Resolve(ctx context.Context, identifier string) (string, error) {
	user, domain, err := Split(identifier)
	if err != nil {
		return "", err
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u := "https://" + domain + "/.well-known/nostr.json?name=" + url.QueryEscape(user)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", xerrors.Errorf("%w: %v", ErrInvalidIdentifier, err)
	}
	req.Header.Set("Accept", "application/json")

	client := http.Client{}
	if r.Client != nil {
		client = *r.Client
	}
	// redirects are not followed, a 3xx fails the lookup
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	resp, err := client.Do(req)
	if err != nil {
		return "", xerrors.Errorf("fetch %s: %w", domain, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", xerrors.Errorf("fetch %s: status %d", domain, resp.StatusCode)
	}

	var doc struct {
		Names map[string]string `json:"names"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&doc); err != nil {
		return "", xerrors.Errorf("decode %s: %w", domain, err)
	}
	return doc.Names[user], nil
}

// Verify reports whether identifier maps to pubkey. Only a lookup that
// returns that key counts, compared case-insensitively; any failure is false.
func (r *Resolver) Verify(ctx context.Context, identifier, pubkey string) (bool, error) {
	got, err := r.Resolve(ctx, identifier)
	if err != nil {
		log.Debugf("verify %s: %v", identifier, err)
		return false, err
	}
	return got != "" && strings.EqualFold(got, pubkey), nil
}
