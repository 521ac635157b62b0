package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	ProviderAnonymous = "anonymous"
	ProviderOwner     = "owner"
)

var ErrInvalidToken = errors.New("invalid token")

type Claims struct {
	Provider string `json:"provider"`
	jwt.RegisteredClaims
}

// Identity is the result of a successful sign-in.
type Identity struct {
	SubjectID   string    `json:"subject_id"`
	Provider    string    `json:"provider"`
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type Service struct {
	secret         []byte
	ttl            time.Duration
	ownerTokenHash []byte
	ownerSubject   string
	now            func() time.Time
}

func NewService(secret string, ttlMinutes int) *Service {
	return &Service{secret: []byte(secret), ttl: time.Duration(ttlMinutes) * time.Minute, now: time.Now}
}

// WithOwnerToken lets the site owner sign in from any device with a secret
// token whose bcrypt hash is configured, always mapping to the same subject.
func (s *Service) WithOwnerToken(bcryptHash, subjectID string) *Service {
	bcryptHash = strings.TrimSpace(bcryptHash)
	subjectID = strings.TrimSpace(subjectID)
	if bcryptHash == "" || subjectID == "" {
		return s
	}
	s.ownerTokenHash = []byte(bcryptHash)
	s.ownerSubject = subjectID
	return s
}

func (s *Service) SignInAnonymous() (Identity, error) {
	return s.issue(uuid.NewString(), ProviderAnonymous)
}

// SignInWithToken accepts either the owner's secret token or a token this
// service issued earlier. The latter is re-issued with a fresh expiry for the
// same subject.
func (s *Service) SignInWithToken(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrInvalidToken
	}
	if len(s.ownerTokenHash) > 0 && !looksLikeJWT(token) {
		if err := bcrypt.CompareHashAndPassword(s.ownerTokenHash, []byte(token)); err != nil {
			return Identity{}, ErrInvalidToken
		}
		return s.issue(s.ownerSubject, ProviderOwner)
	}
	claims, err := s.ParseToken(token)
	if err != nil {
		return Identity{}, err
	}
	return s.issue(claims.Subject, claims.Provider)
}

func (s *Service) GenerateToken(subjectID, provider string) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.ttl)
	claims := Claims{
		Provider: provider,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := t.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func (s *Service) ParseToken(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ParseSubject returns the subject and expiry carried by an access token.
func (s *Service) ParseSubject(token string) (string, time.Time, error) {
	claims, err := s.ParseToken(token)
	if err != nil {
		return "", time.Time{}, err
	}
	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	return claims.Subject, expiresAt, nil
}

func (s *Service) issue(subjectID, provider string) (Identity, error) {
	token, expiresAt, err := s.GenerateToken(subjectID, provider)
	if err != nil {
		return Identity{}, fmt.Errorf("sign token: %w", err)
	}
	return Identity{SubjectID: subjectID, Provider: provider, AccessToken: token, ExpiresAt: expiresAt}, nil
}

func looksLikeJWT(token string) bool {
	return strings.Count(token, ".") == 2
}
