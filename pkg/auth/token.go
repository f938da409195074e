package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

const signatureSize = ed25519.SignatureSize

// keyContext is the BLAKE3 derive-key context for the session signing key.
// Changing it invalidates every outstanding token.
const keyContext = "otad 2024 session token signing key v1"

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("auth: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("auth: CBOR decoder initialization failed: " + err.Error())
	}
}

// claims is the signed token payload. Integer keys keep tokens short enough
// to pass comfortably in a query string.
type claims struct {
	Subject   string `cbor:"1,keyasint"`
	UserID    int    `cbor:"2,keyasint"`
	Role      string `cbor:"3,keyasint"`
	ID        string `cbor:"4,keyasint"`
	IssuedAt  int64  `cbor:"5,keyasint"`
	ExpiresAt int64  `cbor:"6,keyasint"`
}

// deriveSigningKey turns an operator-supplied secret of arbitrary length into
// an Ed25519 key pair.
func deriveSigningKey(secret string) ed25519.PrivateKey {
	h := blake3.NewDeriveKey(keyContext)
	_, _ = h.Write([]byte(secret))
	seed := h.Sum(nil)
	return ed25519.NewKeyFromSeed(seed[:ed25519.SeedSize])
}

func mint(key ed25519.PrivateKey, c *claims) (string, error) {
	payload, err := encMode.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("auth: encoding token payload: %w", err)
	}
	signature := ed25519.Sign(key, payload)

	raw := make([]byte, len(payload)+signatureSize)
	copy(raw, payload)
	copy(raw[len(payload):], signature)
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// verify checks the signature and expiry of token at now. A token is
// rejected once now reaches its expiry second.
func verify(pub ed25519.PublicKey, token string, now time.Time) (*claims, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: not base64url", ErrTokenInvalid)
	}
	if len(raw) <= signatureSize {
		return nil, fmt.Errorf("%w: too short for signature", ErrTokenInvalid)
	}

	split := len(raw) - signatureSize
	payload, signature := raw[:split], raw[split:]
	if !ed25519.Verify(pub, payload, signature) {
		return nil, fmt.Errorf("%w: bad signature", ErrTokenInvalid)
	}

	var c claims
	if err := decMode.Unmarshal(payload, &c); err != nil {
		return nil, fmt.Errorf("%w: decoding payload: %v", ErrTokenInvalid, err)
	}
	if now.Unix() >= c.ExpiresAt {
		return nil, ErrTokenExpired
	}
	return &c, nil
}
