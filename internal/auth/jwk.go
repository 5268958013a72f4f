package auth

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
)

const coordinateSize = 32

// JWK is the public half of an EC P-256 key in JSON Web Key form
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// FromPublicKey encodes a P-256 public key
func FromPublicKey(pub *ecdsa.PublicKey) (JWK, error) {
	if pub == nil || pub.Curve != elliptic.P256() {
		return JWK{}, ErrUnsupportedKey
	}
	key, err := pub.ECDH()
	if err != nil {
		return JWK{}, fmt.Errorf("%w: %v", ErrUnsupportedKey, err)
	}
	// uncompressed point: 0x04 || X || Y
	raw := key.Bytes()
	return JWK{
		Kty: "EC",
		Crv: "P-256",
		X:   base64.RawURLEncoding.EncodeToString(raw[1 : 1+coordinateSize]),
		Y:   base64.RawURLEncoding.EncodeToString(raw[1+coordinateSize:]),
	}, nil
}

// PublicKey decodes the key and checks that the point is on the curve
func (k JWK) PublicKey() (*ecdsa.PublicKey, error) {
	if k.Kty != "EC" || k.Crv != "P-256" || k.X == "" || k.Y == "" {
		return nil, ErrUnsupportedKey
	}
	x, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil || len(x) != coordinateSize {
		return nil, fmt.Errorf("%w: bad x coordinate", ErrUnsupportedKey)
	}
	y, err := base64.RawURLEncoding.DecodeString(k.Y)
	if err != nil || len(y) != coordinateSize {
		return nil, fmt.Errorf("%w: bad y coordinate", ErrUnsupportedKey)
	}

	point := make([]byte, 0, 1+2*coordinateSize)
	point = append(point, 4)
	point = append(point, x...)
	point = append(point, y...)
	if _, err := ecdh.P256().NewPublicKey(point); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedKey, err)
	}

	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(x),
		Y:     new(big.Int).SetBytes(y),
	}, nil
}

// Thumbprint returns the RFC 7638 SHA-256 thumbprint, base64url encoded
func (k JWK) Thumbprint() (string, error) {
	if k.Kty != "EC" || k.Crv != "P-256" || k.X == "" || k.Y == "" {
		return "", ErrUnsupportedKey
	}
	// members in lexicographic order
	canonical, err := json.Marshal(struct {
		Crv string `json:"crv"`
		Kty string `json:"kty"`
		X   string `json:"x"`
		Y   string `json:"y"`
	}{k.Crv, k.Kty, k.X, k.Y})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// jwkFromHeader converts the decoded "jwk" header value
func jwkFromHeader(v any) (*JWK, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var k JWK
	if err := json.Unmarshal(data, &k); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedKey, err)
	}
	return &k, nil
}
