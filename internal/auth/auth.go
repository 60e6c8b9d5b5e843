package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc/metadata"
)

var (
	ErrMissingKey  = errors.New("missing authorization header")
	ErrInvalidKey  = errors.New("invalid service key")
	ErrMissingUser = errors.New("missing x-user-id header")
)

// HeaderUserID carries the end user on whose behalf a trusted caller acts.
const HeaderUserID = "X-User-ID"

// Principal is an authenticated request.
type Principal struct {
	UserID string
}

// Authenticator checks service keys against bcrypt hashes. With no hashes
// configured it only requires the user header.
//
// Verified keys are remembered for ttl so bcrypt stays off the hot path.
type Authenticator struct {
	hashes [][]byte
	ttl    time.Duration
	cache  sync.Map // sha256(key) -> expiry time.Time
}

// NewAuthenticator validates every hash up front.
func NewAuthenticator(hashes []string, ttl time.Duration) (*Authenticator, error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	a := &Authenticator{ttl: ttl}
	for _, h := range hashes {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if _, err := bcrypt.Cost([]byte(h)); err != nil {
			return nil, fmt.Errorf("auth.NewAuthenticator: bad hash: %w", err)
		}
		a.hashes = append(a.hashes, []byte(h))
	}
	return a, nil
}

// Enabled reports whether service keys are enforced.
func (a *Authenticator) Enabled() bool { return len(a.hashes) > 0 }

// Verify checks a raw service key.
func (a *Authenticator) Verify(key string) error {
	if !a.Enabled() {
		return nil
	}
	if key == "" {
		return ErrMissingKey
	}
	sum := sha256.Sum256([]byte(key))
	id := hex.EncodeToString(sum[:])

	if v, ok := a.cache.Load(id); ok {
		if time.Now().Before(v.(time.Time)) {
			return nil
		}
		a.cache.Delete(id)
	}

	for _, h := range a.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(key)) == nil {
			a.cache.Store(id, time.Now().Add(a.ttl))
			return nil
		}
	}
	return ErrInvalidKey
}

// FromHeader authenticates an HTTP request.
func (a *Authenticator) FromHeader(h http.Header) (*Principal, error) {
	if err := a.Verify(bearer(h.Get("Authorization"))); err != nil {
		return nil, err
	}
	user := strings.TrimSpace(h.Get(HeaderUserID))
	if user == "" {
		return nil, ErrMissingUser
	}
	return &Principal{UserID: user}, nil
}

// FromIncoming authenticates a gRPC call from its metadata.
func (a *Authenticator) FromIncoming(ctx context.Context) (*Principal, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	if err := a.Verify(bearer(first(md, "authorization"))); err != nil {
		return nil, err
	}
	user := strings.TrimSpace(first(md, strings.ToLower(HeaderUserID)))
	if user == "" {
		return nil, ErrMissingUser
	}
	return &Principal{UserID: user}, nil
}

func first(md metadata.MD, key string) string {
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

// bearer strips a case-insensitive "Bearer " scheme.
func bearer(v string) string {
	if len(v) > 7 && strings.EqualFold(v[:7], "bearer ") {
		v = v[7:]
	}
	return strings.TrimSpace(v)
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// PrincipalFrom returns nil when the context was never authenticated.
func PrincipalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(ctxKey{}).(*Principal)
	return p
}
