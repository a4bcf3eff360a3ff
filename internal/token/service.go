// Package token issues and validates signed API tokens for
// integrations that cannot hold a browser session. Signing keys are
// RSA, persisted in auth_keys and rotated before they expire; retired
// keys keep verifying the tokens they signed.
package token

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"kassa.app/internal/authz"
	"kassa.app/internal/ids"
	"kassa.app/internal/logging"
)

const (
	defaultKeyTTL       = 30 * 24 * time.Hour
	defaultRotateWindow = 48 * time.Hour
	defaultTokenTTL     = 24 * time.Hour
	maxTokenTTL         = 90 * 24 * time.Hour

	rsaKeyBits  = 2048
	clockLeeway = 5 * time.Second
)

var ErrInvalidToken = errors.New("token: invalid token")

// Claims carried by a minted token. Permissions snapshot the role's
// grants at mint time; the bearer middleware still checks the live
// account.
type Claims struct {
	Role        string   `json:"role,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

type signingKey struct {
	Kid        string
	PrivateKey *rsa.PrivateKey
	PublicKey  *rsa.PublicKey
	ExpiresAt  time.Time
}

// Service mints and verifies RS256 tokens backed by the auth_keys table.
type Service struct {
	db           *sql.DB
	now          func() time.Time
	issuer       string
	keyTTL       time.Duration
	rotateWindow time.Duration

	mu     sync.Mutex
	active *signingKey
	verify map[string]*rsa.PublicKey
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithIssuer sets the iss claim on minted tokens.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		s.issuer = issuer
		return nil
	}
}

// WithKeyTTL configures signing key lifetime.
func WithKeyTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.keyTTL = ttl
		}
		return nil
	}
}

// WithRotateWindow configures how long before key expiry a replacement
// is generated.
func WithRotateWindow(w time.Duration) ServiceOption {
	return func(s *Service) error {
		if w > 0 {
			s.rotateWindow = w
		}
		return nil
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService loads the active signing key, generating and persisting one
// when none exists.
func NewService(db *sql.DB, opts ...ServiceOption) (*Service, error) {
	if db == nil {
		return nil, errors.New("token: db is required")
	}
	s := &Service{
		db:           db,
		now:          time.Now,
		keyTTL:       defaultKeyTTL,
		rotateWindow: defaultRotateWindow,
		verify:       make(map[string]*rsa.PublicKey),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if err := s.EnsureKey(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// EnsureKey makes sure an active signing key exists and is not about to
// expire, rotating when needed. Safe to call from a ticker.
func (s *Service) EnsureKey(ctx context.Context) error {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()

	if active == nil {
		loaded, err := s.loadActive(ctx)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		active = loaded
	}
	if active != nil && s.now().Add(s.rotateWindow).Before(active.ExpiresAt) {
		s.setActive(active)
		return nil
	}
	rotated, err := s.rotate(ctx)
	if err != nil {
		return err
	}
	s.setActive(rotated)
	logging.Info().Str("kid", rotated.Kid).Time("expires", rotated.ExpiresAt).Msg("signing key rotated")
	return nil
}

func (s *Service) setActive(key *signingKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = key
	s.verify[key.Kid] = key.PublicKey
}

func (s *Service) loadActive(ctx context.Context) (*signingKey, error) {
	row := s.db.QueryRowContext(ctx, `select kid, private_pem, public_pem, expires_at
		from auth_keys where status = 'active' order by created_at desc limit 1`)
	var kid, privPEM, pubPEM string
	var expiresAt time.Time
	if err := row.Scan(&kid, &privPEM, &pubPEM, &expiresAt); err != nil {
		return nil, err
	}
	priv, err := parseRSAPrivateKey(privPEM)
	if err != nil {
		return nil, fmt.Errorf("token: parse stored private key: %w", err)
	}
	pub, err := parseRSAPublicKey(pubPEM)
	if err != nil {
		return nil, fmt.Errorf("token: parse stored public key: %w", err)
	}
	return &signingKey{Kid: kid, PrivateKey: priv, PublicKey: pub, ExpiresAt: expiresAt}, nil
}

func (s *Service) rotate(ctx context.Context) (*signingKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, err
	}
	privPEM, err := encodePrivateKey(priv)
	if err != nil {
		return nil, err
	}
	pubPEM, err := encodePublicKey(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	key := &signingKey{
		Kid:        ids.New(ids.PrefixSigningKey),
		PrivateKey: priv,
		PublicKey:  &priv.PublicKey,
		ExpiresAt:  now.Add(s.keyTTL),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `update auth_keys set status = 'retired' where status = 'active'`); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `insert into auth_keys (kid, private_pem, public_pem, created_at, expires_at)
		values ($1, $2, $3, $4, $5)`,
		key.Kid, privPEM, pubPEM, now, key.ExpiresAt); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return key, nil
}

// Mint issues a token for subject carrying the permission snapshot of
// role. A non-positive ttl gets the default; ttl is capped.
func (s *Service) Mint(ctx context.Context, subject string, role authz.Role, ttl time.Duration) (string, time.Time, error) {
	if subject == "" {
		return "", time.Time{}, errors.New("token: subject is required")
	}
	if !role.Valid() {
		return "", time.Time{}, fmt.Errorf("token: unknown role %q", role)
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	if ttl > maxTokenTTL {
		ttl = maxTokenTTL
	}
	if err := s.EnsureKey(ctx); err != nil {
		return "", time.Time{}, err
	}
	s.mu.Lock()
	key := s.active
	s.mu.Unlock()

	now := s.now()
	expiresAt := now.Add(ttl)
	claims := Claims{
		Role:        string(role),
		Permissions: permissionStrings(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = key.Kid
	signed, err := tok.SignedString(key.PrivateKey)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ParseAndValidate verifies signature, expiry and issuer.
func (s *Service) ParseAndValidate(ctx context.Context, raw string) (Claims, error) {
	if raw == "" {
		return Claims{}, ErrInvalidToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithLeeway(clockLeeway),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	var claims Claims
	parsed, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return s.keyFor(ctx, kid)
	}, opts...)
	if err != nil || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

func (s *Service) keyFor(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if kid == "" {
		return nil, ErrInvalidToken
	}
	s.mu.Lock()
	if pub, ok := s.verify[kid]; ok {
		s.mu.Unlock()
		return pub, nil
	}
	s.mu.Unlock()

	var pubPEM string
	err := s.db.QueryRowContext(ctx, `select public_pem from auth_keys where kid = $1`, kid).Scan(&pubPEM)
	if err != nil {
		return nil, ErrInvalidToken
	}
	pub, err := parseRSAPublicKey(pubPEM)
	if err != nil {
		return nil, ErrInvalidToken
	}
	s.mu.Lock()
	s.verify[kid] = pub
	s.mu.Unlock()
	return pub, nil
}

// JWKS returns the public key set for keys that can still verify
// something, in RFC 7517 form.
func (s *Service) JWKS(ctx context.Context) ([]byte, error) {
	rows, err := s.db.QueryContext(ctx, `select kid, public_pem from auth_keys where expires_at > $1 order by created_at desc`, s.now())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type jwk struct {
		Kty string `json:"kty"`
		Use string `json:"use"`
		Alg string `json:"alg"`
		Kid string `json:"kid"`
		N   string `json:"n"`
		E   string `json:"e"`
	}
	var set struct {
		Keys []jwk `json:"keys"`
	}
	for rows.Next() {
		var kid, pubPEM string
		if err := rows.Scan(&kid, &pubPEM); err != nil {
			return nil, err
		}
		pub, err := parseRSAPublicKey(pubPEM)
		if err != nil {
			return nil, err
		}
		set.Keys = append(set.Keys, jwk{
			Kty: "RSA",
			Use: "sig",
			Alg: "RS256",
			Kid: kid,
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return json.Marshal(set)
}

func permissionStrings(role authz.Role) []string {
	perms := authz.PermissionsFor(role)
	out := make([]string, 0, len(perms))
	for p := range perms {
		out = append(out, string(p))
	}
	sort.Strings(out)
	return out
}

func encodePrivateKey(key *rsa.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

func encodePublicKey(key *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

func parseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid PEM private key")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		if rsaKey, ok := key.(*rsa.PrivateKey); ok {
			return rsaKey, nil
		}
		return nil, errors.New("unsupported private key type")
	default:
		return nil, fmt.Errorf("unsupported private key type %s", block.Type)
	}
}

func parseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid PEM public key")
	}
	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("not an RSA public key")
		}
		return rsaKey, nil
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported public key type %s", block.Type)
	}
}
