package user

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go-groupchat/internal/chat"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// Revoker keeps logged-out tokens until they would have expired anyway.
type Revoker interface {
	Revoke(ctx context.Context, token string, ttl time.Duration) error
	IsRevoked(ctx context.Context, token string) (bool, error)
}

type Service struct {
	repo      Store
	revoked   Revoker
	jwtSecret string
	tokenTTL  time.Duration
}

type MyJWTClaims struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// NewService builds the user service. revoked may be nil, in which case
// Logout is accepted but tokens stay valid until they expire.
func NewService(repo Store, revoked Revoker, secret string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		repo:      repo,
		revoked:   revoked,
		jwtSecret: secret,
		tokenTTL:  ttl,
	}
}

func (s *Service) Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error) {
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		return nil, fmt.Errorf("%w: username and password are required", chat.ErrInvalidArgument)
	}

	hashedPwd, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	u := &User{
		ID:       chat.NewID(chat.UserIDPrefix),
		Username: username,
		Password: string(hashedPwd),
	}

	if _, err := s.repo.CreateUser(ctx, u); err != nil {
		return nil, err
	}

	return &RegisterResponse{ID: u.ID, Username: u.Username}, nil
}

func (s *Service) Login(ctx context.Context, req *RegisterRequest) (*LoginResponse, error) {
	u, err := s.repo.GetUserByUsername(ctx, strings.TrimSpace(req.Username))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	ss, err := s.issue(u)
	if err != nil {
		return nil, err
	}

	return &LoginResponse{
		AccessToken: ss,
		ID:          u.ID,
		Username:    u.Username,
	}, nil
}

func (s *Service) issue(u *User) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, MyJWTClaims{
		ID:       u.ID,
		Username: u.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "go-groupchat",
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	})
	return token.SignedString([]byte(s.jwtSecret))
}

func (s *Service) parse(tokenString string) (*MyJWTClaims, error) {
	claims := &MyJWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.jwtSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.ID == "" {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// ValidateToken checks signature, expiry and the revocation list.
func (s *Service) ValidateToken(ctx context.Context, tokenString string) (string, string, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return "", "", err
	}
	if s.revoked != nil {
		revoked, err := s.revoked.IsRevoked(ctx, tokenString)
		if err != nil {
			return "", "", fmt.Errorf("check revocation: %w", err)
		}
		if revoked {
			return "", "", errors.New("token has been revoked")
		}
	}
	return claims.ID, claims.Username, nil
}

// VerifyCredential authenticates a websocket handshake.
func (s *Service) VerifyCredential(ctx context.Context, token string) (chat.Identity, error) {
	id, _, err := s.ValidateToken(ctx, token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", chat.ErrUnauthenticated, err)
	}
	return chat.Identity(id), nil
}

// Logout revokes the token for the rest of its lifetime.
func (s *Service) Logout(ctx context.Context, tokenString string) error {
	claims, err := s.parse(tokenString)
	if err != nil {
		return fmt.Errorf("%w: %v", chat.ErrUnauthenticated, err)
	}
	if s.revoked == nil {
		return nil
	}
	ttl := s.tokenTTL
	if claims.ExpiresAt != nil {
		ttl = time.Until(claims.ExpiresAt.Time)
	}
	if ttl <= 0 {
		return nil
	}
	return s.revoked.Revoke(ctx, tokenString, ttl)
}

func (s *Service) SearchUsers(ctx context.Context, query string) ([]User, error) {
	return s.repo.SearchUsers(ctx, query)
}
