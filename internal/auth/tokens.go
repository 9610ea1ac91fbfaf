package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/dreamware/wardroom/internal/ward"
)

// ErrInvalidToken covers every rejected credential: malformed, badly signed,
// expired, revoked, of the wrong type, or naming an unknown user.
var ErrInvalidToken = errors.New("invalid token")

const (
	tokenAccess  = "access"
	tokenRefresh = "refresh"
)

// Claims is the JWT payload of both token types. The subject is the user id.
type Claims struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Type      string `json:"typ"`
	jwt.RegisteredClaims
}

// Verifier checks a credential presented on a real-time connection.
type Verifier interface {
	Verify(credential string) (ward.Identity, error)
}

// TokenPair is issued on login.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// Options configures a Service.
type Options struct {
	// Secret signs every token. Empty means a random per-process secret,
	// which invalidates all tokens on restart.
	Secret string

	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Service issues and verifies the short-lived access token and long-lived
// refresh token pair. Refresh tokens are only honoured while present in the
// service's refresh table, so logout can revoke them.
type Service struct {
	users      *UserStore
	refresh    map[string]string
	now        func() time.Time
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	mu         sync.Mutex
}

var _ Verifier = (*Service)(nil)

// NewService creates a token service over users.
func NewService(users *UserStore, opts Options) (*Service, error) {
	secret := []byte(opts.Secret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate token secret: %w", err)
		}
	}
	if opts.AccessTTL <= 0 {
		opts.AccessTTL = 15 * time.Minute
	}
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = 7 * 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		users:      users,
		refresh:    make(map[string]string),
		now:        opts.Now,
		secret:     secret,
		accessTTL:  opts.AccessTTL,
		refreshTTL: opts.RefreshTTL,
	}, nil
}

// Users returns the backing user store.
func (s *Service) Users() *UserStore { return s.users }

// RefreshTTL returns the refresh token lifetime, used for the cookie.
func (s *Service) RefreshTTL() time.Duration { return s.refreshTTL }

// Login returns tokens for userID, creating a new user if userID is empty or
// unknown.
func (s *Service) Login(userID string) (User, TokenPair, error) {
	user, _ := s.users.GetOrCreate(userID)

	access, err := s.sign(user, tokenAccess, s.accessTTL)
	if err != nil {
		return User{}, TokenPair{}, err
	}
	refresh, err := s.sign(user, tokenRefresh, s.refreshTTL)
	if err != nil {
		return User{}, TokenPair{}, err
	}

	s.mu.Lock()
	s.refresh[refresh] = user.ID
	s.mu.Unlock()

	return user, TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// Refresh exchanges a live refresh token for a new access token.
func (s *Service) Refresh(refreshToken string) (User, string, error) {
	claims, err := s.parse(refreshToken, tokenRefresh)
	if err != nil {
		return User{}, "", err
	}

	s.mu.Lock()
	owner, ok := s.refresh[refreshToken]
	s.mu.Unlock()
	if !ok || owner != claims.Subject {
		return User{}, "", fmt.Errorf("%w: refresh token revoked", ErrInvalidToken)
	}

	user, ok := s.users.Get(claims.Subject)
	if !ok {
		return User{}, "", fmt.Errorf("%w: unknown user", ErrInvalidToken)
	}
	access, err := s.sign(user, tokenAccess, s.accessTTL)
	if err != nil {
		return User{}, "", err
	}
	return user, access, nil
}

// Revoke forgets a refresh token. Unknown tokens are ignored.
func (s *Service) Revoke(refreshToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.refresh, refreshToken)
}

// Authenticate validates an access token and returns its user.
func (s *Service) Authenticate(accessToken string) (User, error) {
	claims, err := s.parse(accessToken, tokenAccess)
	if err != nil {
		return User{}, err
	}
	user, ok := s.users.Get(claims.Subject)
	if !ok {
		return User{}, fmt.Errorf("%w: unknown user", ErrInvalidToken)
	}
	return user, nil
}

// Verify implements Verifier.
func (s *Service) Verify(credential string) (ward.Identity, error) {
	if credential == "" {
		return ward.Identity{}, fmt.Errorf("%w: missing", ErrInvalidToken)
	}
	user, err := s.Authenticate(credential)
	if err != nil {
		return ward.Identity{}, err
	}
	return user.Identity(), nil
}

func (s *Service) sign(user User, typ string, ttl time.Duration) (string, error) {
	now := s.now()
	claims := Claims{
		FirstName: user.FirstName,
		LastName:  user.LastName,
		Type:      typ,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", typ, err)
	}
	return token, nil
}

func (s *Service) parse(token, typ string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Type != typ {
		return nil, fmt.Errorf("%w: expected %s token", ErrInvalidToken, typ)
	}
	return claims, nil
}
