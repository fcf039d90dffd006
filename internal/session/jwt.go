package session

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// JWTStore keeps sessions in a signed HS256 token held by the client.
// Destroy cannot revoke a token; logout relies on clearing the cookie.
type JWTStore struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewJWTStore(secret string, ttl time.Duration) *JWTStore {
	return &JWTStore{secret: []byte(secret), ttl: ttl, now: time.Now}
}

type sessionClaims struct {
	UID         string   `json:"uid"`
	Username    string   `json:"username"`
	Name        string   `json:"name"`
	Role        string   `json:"role"`
	Permissions []string `json:"perms,omitempty"`
	jwt.RegisteredClaims
}

func (s *JWTStore) Create(_ context.Context, id Identity) (string, error) {
	now := s.now()
	loginAt := id.LoginAt
	if loginAt.IsZero() {
		loginAt = now
	}
	claims := sessionClaims{
		UID:         id.UserUID,
		Username:    id.Username,
		Name:        id.Name,
		Role:        id.Role,
		Permissions: id.Permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   strconv.Itoa(id.UserID),
			IssuedAt:  jwt.NewNumericDate(loginAt),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *JWTStore) Get(_ context.Context, tokenString string) (Identity, error) {
	if strings.TrimSpace(tokenString) == "" {
		return Identity{}, ErrNoSession
	}

	claims := sessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil || !token.Valid {
		return Identity{}, ErrNoSession
	}

	userID, err := strconv.Atoi(claims.Subject)
	if err != nil || userID < 1 {
		return Identity{}, ErrNoSession
	}

	id := Identity{
		UserUID:     claims.UID,
		UserID:      userID,
		Username:    claims.Username,
		Name:        claims.Name,
		Role:        claims.Role,
		Permissions: claims.Permissions,
	}
	if claims.IssuedAt != nil {
		id.LoginAt = claims.IssuedAt.Time
	}
	return id, nil
}

func (s *JWTStore) Destroy(context.Context, string) error {
	return nil
}
