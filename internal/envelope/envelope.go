// Package envelope wraps replication batches into signed, encrypted and
// integrity-checked packages, and validates them on the receiving side.
package envelope

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"

	"github.com/devrev/edgesync/internal/errors"
	"github.com/devrev/edgesync/internal/model"
)

const (
	DefaultIssuer        = "edgesync"
	DefaultTokenTTL      = time.Hour
	DefaultMaxPackageAge = 5 * time.Minute
	DefaultMaxClockSkew  = 30 * time.Second
	DefaultNonceBytes    = 16
)

// Config holds the pre-shared secrets and windows of the protocol
type Config struct {
	TokenSecret       string
	LocalSystemSecret string
	CentralSecret     string
	Issuer            string
	TokenTTL          time.Duration
	MaxPackageAge     time.Duration
	MaxClockSkew      time.Duration
	MinNonceBytes     int
}

// Protocol creates and validates SecureSyncPackages. Keys are derived once
// at construction and never change afterwards.
type Protocol struct {
	issuer        string
	tokenTTL      time.Duration
	maxPackageAge time.Duration
	maxClockSkew  time.Duration
	minNonceBytes int

	signingKey   []byte
	integrityKey []byte
	localKey     []byte
	localKeyID   string
	centralKey   []byte
	centralKeyID string

	now func() time.Time
}

// Option configures a Protocol
type Option func(*Protocol)

// WithClock overrides the clock used for timestamps and expiry checks
func WithClock(now func() time.Time) Option {
	return func(p *Protocol) { p.now = now }
}

// ValidationResult is the outcome of ValidateAndProcessSyncPackage
type ValidationResult struct {
	IsValid bool
	Payload *model.SyncPayload
	Error   error
	Reason  string
}

// tokenClaims are signed with the token secret. KeyID names the encryption
// key the payload was sealed with, so a key rotation is reported from
// signed data and never from the tamperable JWE header.
type tokenClaims struct {
	EstablishmentID string `json:"establishment_id"`
	KeyID           string `json:"key_id"`
}

// wirePayload keeps the exact event bytes that were digested so the
// receiver can recompute the digest without re-encoding.
type wirePayload struct {
	Events          json.RawMessage `json:"events"`
	EstablishmentID string          `json:"establishment_id"`
	Timestamp       time.Time       `json:"timestamp"`
	Nonce           string          `json:"nonce"`
}

// NewProtocol derives the protocol keys from cfg
func NewProtocol(cfg Config, opts ...Option) (*Protocol, error) {
	if cfg.TokenSecret == "" || cfg.LocalSystemSecret == "" || cfg.CentralSecret == "" {
		return nil, errors.InvalidArgument("envelope secrets must not be empty", nil)
	}

	p := &Protocol{
		issuer:        cfg.Issuer,
		tokenTTL:      cfg.TokenTTL,
		maxPackageAge: cfg.MaxPackageAge,
		maxClockSkew:  cfg.MaxClockSkew,
		minNonceBytes: cfg.MinNonceBytes,
		signingKey:    deriveKey("signing", cfg.TokenSecret),
		integrityKey:  deriveKey("integrity", cfg.TokenSecret),
		localKey:      deriveKey("encryption", cfg.LocalSystemSecret),
		centralKey:    deriveKey("encryption", cfg.CentralSecret),
		now:           time.Now,
	}
	if p.issuer == "" {
		p.issuer = DefaultIssuer
	}
	if p.tokenTTL <= 0 {
		p.tokenTTL = DefaultTokenTTL
	}
	if p.maxPackageAge <= 0 {
		p.maxPackageAge = DefaultMaxPackageAge
	}
	if p.maxClockSkew <= 0 {
		p.maxClockSkew = DefaultMaxClockSkew
	}
	if p.minNonceBytes < DefaultNonceBytes {
		p.minNonceBytes = DefaultNonceBytes
	}
	p.localKeyID = fingerprint(p.localKey)
	p.centralKeyID = fingerprint(p.centralKey)

	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// CreateSecureSyncPackage signs, encrypts and digests a batch of events
// for establishmentID.
func (p *Protocol) CreateSecureSyncPackage(events []*model.SyncEvent, establishmentID string) (*model.SecureSyncPackage, error) {
	if establishmentID == "" {
		return nil, errors.InvalidArgument("establishment ID is required", nil)
	}
	if events == nil {
		events = []*model.SyncEvent{}
	}
	now := p.now().UTC()

	token, err := p.mintToken(establishmentID, now)
	if err != nil {
		return nil, err
	}

	eventsJSON, err := json.Marshal(events)
	if err != nil {
		return nil, errors.InternalError("failed to marshal events", err)
	}

	nonce := make([]byte, p.minNonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.InternalError("failed to generate nonce", err)
	}

	plaintext, err := json.Marshal(wirePayload{
		Events:          eventsJSON,
		EstablishmentID: establishmentID,
		Timestamp:       now,
		Nonce:           hex.EncodeToString(nonce),
	})
	if err != nil {
		return nil, errors.InternalError("failed to marshal sync payload", err)
	}

	encrypter, err := jose.NewEncrypter(jose.A256GCM,
		jose.Recipient{Algorithm: jose.DIRECT, Key: p.localKey, KeyID: p.localKeyID}, nil)
	if err != nil {
		return nil, errors.InternalError("failed to create encrypter", err)
	}
	object, err := encrypter.Encrypt(plaintext)
	if err != nil {
		return nil, errors.InternalError("failed to encrypt sync payload", err)
	}
	data, err := object.CompactSerialize()
	if err != nil {
		return nil, errors.InternalError("failed to serialize encrypted payload", err)
	}

	return &model.SecureSyncPackage{
		Token:     token,
		Data:      data,
		Hash:      p.digest(eventsJSON),
		Timestamp: now,
	}, nil
}

// ValidateAndProcessSyncPackage runs every check in order and stops at the
// first failure. A package is trusted only when all checks pass.
func (p *Protocol) ValidateAndProcessSyncPackage(pkg *model.SecureSyncPackage, claimedSenderID string) *ValidationResult {
	payload, err := p.validate(pkg, claimedSenderID)
	if err != nil {
		return &ValidationResult{IsValid: false, Error: err, Reason: errors.ReasonOf(err)}
	}
	return &ValidationResult{IsValid: true, Payload: payload}
}

func (p *Protocol) validate(pkg *model.SecureSyncPackage, claimedSenderID string) (*model.SyncPayload, error) {
	if pkg == nil {
		return nil, errors.Rejected(errors.ErrCodeMalformedPackage, "package is empty", nil)
	}
	now := p.now()

	claims, err := p.verifyToken(pkg.Token, now)
	if err != nil {
		return nil, err
	}
	if claims.EstablishmentID != claimedSenderID {
		return nil, errors.Rejected(errors.ErrCodeEstablishmentMismatch,
			fmt.Sprintf("token issued to %q but package claimed by %q", claims.EstablishmentID, claimedSenderID), nil)
	}
	if claims.KeyID != p.centralKeyID {
		return nil, errors.Rejected(errors.ErrCodeKeyMismatch,
			fmt.Sprintf("payload encrypted with key %q, expected %q", claims.KeyID, p.centralKeyID), nil)
	}

	wire, err := p.decrypt(pkg.Data)
	if err != nil {
		return nil, err
	}

	if !hmac.Equal([]byte(p.digest(wire.Events)), []byte(pkg.Hash)) {
		return nil, errors.Rejected(errors.ErrCodeHashMismatch, "hash mismatch: event digest does not match package hash", nil)
	}

	age := now.Sub(wire.Timestamp)
	if age > p.maxPackageAge {
		return nil, errors.Rejected(errors.ErrCodeStalePackage,
			fmt.Sprintf("package is %s old, maximum is %s", age.Truncate(time.Second), p.maxPackageAge), nil)
	}
	if -age > p.maxClockSkew {
		return nil, errors.Rejected(errors.ErrCodeStalePackage,
			fmt.Sprintf("package timestamp is %s in the future", (-age).Truncate(time.Second)), nil)
	}

	nonce, err := hex.DecodeString(wire.Nonce)
	if err != nil || len(nonce) < p.minNonceBytes {
		return nil, errors.Rejected(errors.ErrCodeInvalidNonce,
			fmt.Sprintf("nonce must be at least %d random bytes", p.minNonceBytes), err)
	}

	var events []*model.SyncEvent
	if err := json.Unmarshal(wire.Events, &events); err != nil {
		return nil, errors.Rejected(errors.ErrCodeMalformedPackage, "failed to decode events", err)
	}

	return &model.SyncPayload{
		Events:          events,
		EstablishmentID: wire.EstablishmentID,
		Timestamp:       wire.Timestamp,
		Nonce:           wire.Nonce,
	}, nil
}

func (p *Protocol) mintToken(establishmentID string, now time.Time) (string, error) {
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: p.signingKey},
		(&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return "", errors.InternalError("failed to create token signer", err)
	}

	// freshness is carried by the payload timestamp, so no iat/nbf here
	claims := jwt.Claims{
		ID:      uuid.NewString(),
		Issuer:  p.issuer,
		Subject: establishmentID,
		Expiry:  jwt.NewNumericDate(now.Add(p.tokenTTL)),
	}
	token, err := jwt.Signed(signer).Claims(claims).Claims(tokenClaims{EstablishmentID: establishmentID, KeyID: p.localKeyID}).CompactSerialize()
	if err != nil {
		return "", errors.InternalError("failed to sign token", err)
	}
	return token, nil
}

func (p *Protocol) verifyToken(raw string, now time.Time) (*tokenClaims, error) {
	token, err := jwt.ParseSigned(raw)
	if err != nil {
		return nil, errors.Rejected(errors.ErrCodeInvalidToken, "invalid token: malformed", err)
	}
	if len(token.Headers) != 1 || token.Headers[0].Algorithm != string(jose.HS256) {
		return nil, errors.Rejected(errors.ErrCodeInvalidToken, "invalid token: unexpected signing algorithm", nil)
	}

	var (
		claims jwt.Claims
		custom tokenClaims
	)
	if err := token.Claims(p.signingKey, &claims, &custom); err != nil {
		return nil, errors.Rejected(errors.ErrCodeInvalidToken, "invalid token: signature verification failed", err)
	}

	if err := claims.ValidateWithLeeway(jwt.Expected{Issuer: p.issuer, Time: now}, 0); err != nil {
		if err == jwt.ErrExpired {
			return nil, errors.Rejected(errors.ErrCodeTokenExpired, "token expired", err)
		}
		return nil, errors.Rejected(errors.ErrCodeInvalidToken, "invalid token claims", err)
	}

	if custom.EstablishmentID == "" || custom.EstablishmentID != claims.Subject {
		return nil, errors.Rejected(errors.ErrCodeInvalidToken, "invalid token: establishment claim missing", nil)
	}
	if custom.KeyID == "" {
		return nil, errors.Rejected(errors.ErrCodeInvalidToken, "invalid token: key claim missing", nil)
	}
	return &custom, nil
}

// decrypt opens the compact JWE. The signed key claim already matched, so
// every failure from here on means the data was altered in transit.
func (p *Protocol) decrypt(data string) (*wirePayload, error) {
	if data == "" {
		return nil, errors.Rejected(errors.ErrCodeMalformedPackage, "encrypted payload is missing", nil)
	}
	if err := checkCompactEncoding(data); err != nil {
		return nil, errors.Rejected(errors.ErrCodeHashMismatch, "hash mismatch: encrypted payload is not canonical", err)
	}

	object, err := jose.ParseEncrypted(data)
	if err != nil {
		return nil, errors.Rejected(errors.ErrCodeHashMismatch, "hash mismatch: encrypted payload does not parse", err)
	}
	if object.Header.KeyID != p.centralKeyID {
		return nil, errors.Rejected(errors.ErrCodeHashMismatch,
			fmt.Sprintf("hash mismatch: payload header names key %q, token names %q", object.Header.KeyID, p.centralKeyID), nil)
	}

	plaintext, err := object.Decrypt(p.centralKey)
	if err != nil {
		return nil, errors.Rejected(errors.ErrCodeHashMismatch, "hash mismatch: encrypted payload failed authentication", err)
	}

	var wire wirePayload
	if err := json.Unmarshal(plaintext, &wire); err != nil {
		return nil, errors.Rejected(errors.ErrCodeMalformedPackage, "failed to decode sync payload", err)
	}
	return &wire, nil
}

// checkCompactEncoding requires five segments in strict base64url, so a
// changed character always changes the decoded bytes.
func checkCompactEncoding(data string) error {
	parts := strings.Split(data, ".")
	if len(parts) != 5 {
		return fmt.Errorf("compact JWE has %d segments, want 5", len(parts))
	}
	enc := base64.RawURLEncoding.Strict()
	for i, part := range parts {
		if _, err := enc.DecodeString(part); err != nil {
			return fmt.Errorf("segment %d: %w", i, err)
		}
	}
	return nil
}

func (p *Protocol) digest(eventsJSON []byte) string {
	mac := hmac.New(sha256.New, p.integrityKey)
	mac.Write(eventsJSON)
	return hex.EncodeToString(mac.Sum(nil))
}

func deriveKey(purpose, secret string) []byte {
	sum := sha256.Sum256([]byte("edgesync/" + purpose + "/" + secret))
	return sum[:]
}

func fingerprint(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:8])
}
