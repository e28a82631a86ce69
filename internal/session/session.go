// Package session tracks the signed-in viewer and its bearer token.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/markersync/markersync/pkg/core"
)

const leeway = 30 * time.Second

// Claims are the token claims: the viewer id in sub plus the admin flag.
type Claims struct {
	Admin bool `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// IssueToken mints an HS256 token for v valid for ttl.
func IssueToken(secret []byte, v core.Viewer, ttl time.Duration, now time.Time) (string, time.Time, error) {
	if v.IsAnonymous() {
		return "", time.Time{}, core.Validation("subject", "must not be empty")
	}
	if len(secret) == 0 {
		return "", time.Time{}, core.Validation("secret", "must not be empty")
	}
	exp := now.Add(ttl)
	claims := Claims{
		Admin: v.Admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   v.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(secret)
	return signed, exp, err
}

// VerifyToken checks signature and expiry and returns the token's viewer.
// Every failure is reported as core.ErrAuthExpired.
func VerifyToken(secret []byte, token string) (core.Viewer, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return secret, nil
	}, jwt.WithLeeway(leeway), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return core.Viewer{}, fmt.Errorf("%w: %v", core.ErrAuthExpired, err)
	}
	if claims.Subject == "" {
		return core.Viewer{}, fmt.Errorf("%w: token without subject", core.ErrAuthExpired)
	}
	return core.Viewer{ID: claims.Subject, Admin: claims.Admin}, nil
}

// Inspect reads the viewer and expiry of a token without verifying its
// signature. Clients use it; only the server holds the secret.
func Inspect(token string) (core.Viewer, time.Time, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return core.Viewer{}, time.Time{}, core.Validation("token", err.Error())
	}
	if claims.Subject == "" {
		return core.Viewer{}, time.Time{}, core.Validation("token", "missing subject")
	}
	var exp time.Time
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	return core.Viewer{ID: claims.Subject, Admin: claims.Admin}, exp, nil
}

// Provider holds the current viewer. The zero value is anonymous.
type Provider struct {
	mu       sync.Mutex
	viewer   core.Viewer
	token    string
	expires  time.Time
	watchers map[int]func(core.Viewer)
	nextID   int
}

// NewProvider creates an anonymous Provider.
func NewProvider() *Provider {
	return &Provider{watchers: make(map[int]func(core.Viewer))}
}

// Set signs the viewer of token in. Watchers are notified when the viewer
// changes.
func (p *Provider) Set(token string) error {
	v, exp, err := Inspect(token)
	if err != nil {
		return err
	}
	p.update(v, token, exp)
	return nil
}

// Clear signs out.
func (p *Provider) Clear() {
	p.update(core.Anonymous(), "", time.Time{})
}

// Current returns the signed-in viewer, or Anonymous.
func (p *Provider) Current() core.Viewer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.viewer
}

// Token returns the bearer token, or "".
func (p *Provider) Token() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token
}

// Check returns core.ErrAuthExpired when nobody is signed in or the token
// expired at now.
func (p *Provider) Check(now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token == "" || p.viewer.IsAnonymous() {
		return fmt.Errorf("%w: not signed in", core.ErrAuthExpired)
	}
	if !p.expires.IsZero() && !now.Before(p.expires) {
		return fmt.Errorf("%w: token expired at %s", core.ErrAuthExpired, p.expires.UTC().Format(time.RFC3339))
	}
	return nil
}

// Watch registers fn for viewer changes and returns a function removing it.
func (p *Provider) Watch(fn func(core.Viewer)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watchers == nil {
		p.watchers = make(map[int]func(core.Viewer))
	}
	id := p.nextID
	p.nextID++
	p.watchers[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.watchers, id)
	}
}

func (p *Provider) update(v core.Viewer, token string, exp time.Time) {
	p.mu.Lock()
	changed := p.viewer != v
	p.viewer = v
	p.token = token
	p.expires = exp
	var notify []func(core.Viewer)
	if changed {
		for _, fn := range p.watchers {
			notify = append(notify, fn)
		}
	}
	p.mu.Unlock()

	for _, fn := range notify {
		fn(v)
	}
}
