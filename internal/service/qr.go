package service

import (
	"fmt"
	"strings"

	"redemption-service/internal/models"

	"github.com/golang-jwt/jwt/v5"
)

const (
	qrVersion = 1
	qrType    = "redemption"
)

// QRClaims is the descriptor carried by a redemption QR payload
type QRClaims struct {
	Version      int    `json:"v"`
	Type         string `json:"typ"`
	Code         string `json:"code"`
	RedemptionID int64  `json:"rid"`
	RewardID     int64  `json:"rwd"`
	PartnerID    int64  `json:"pid"`
	jwt.RegisteredClaims
}

// QRCodec produces and parses signed QR payloads
type QRCodec struct {
	secret []byte
	issuer string
}

// NewQRCodec creates a codec signing with secret
func NewQRCodec(secret, issuer string) *QRCodec {
	return &QRCodec{secret: []byte(secret), issuer: issuer}
}

// Encode builds the payload for a committed redemption
func (c *QRCodec) Encode(r *models.Redemption, reward *models.Reward) (string, error) {
	claims := QRClaims{
		Version:      qrVersion,
		Type:         qrType,
		Code:         r.Code,
		RedemptionID: r.ID,
		RewardID:     reward.ID,
		PartnerID:    reward.PartnerID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   c.issuer,
			IssuedAt: jwt.NewNumericDate(r.CreatedAt),
		},
	}

	payload, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign qr payload: %w", err)
	}
	return payload, nil
}

// Decode verifies and parses a payload produced by Encode
func (c *QRCodec) Decode(payload string) (*QRClaims, error) {
	var claims QRClaims
	_, err := jwt.ParseWithClaims(payload, &claims, func(*jwt.Token) (interface{}, error) {
		return c.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(c.issuer))
	if err != nil {
		return nil, ValidationError("invalid qr payload: %v", err)
	}

	if claims.Version != qrVersion || claims.Type != qrType {
		return nil, ValidationError("unsupported qr payload version %d type %q", claims.Version, claims.Type)
	}
	if claims.Code == "" {
		return nil, ValidationError("qr payload has no code")
	}
	return &claims, nil
}

// looksLikeQRPayload reports whether s has the three-segment shape of a
// signed payload. Pool codes of that shape are refused at import.
func looksLikeQRPayload(s string) bool {
	return strings.Count(s, ".") == 2
}

// Resolve accepts either a QR payload or a bare code typed by staff and
// returns the code. Claims is nil for a bare code.
func (c *QRCodec) Resolve(codeOrPayload string) (string, *QRClaims, error) {
	input := strings.TrimSpace(codeOrPayload)
	if input == "" {
		return "", nil, ValidationError("code is required")
	}

	if !looksLikeQRPayload(input) {
		return input, nil, nil
	}

	claims, err := c.Decode(input)
	if err != nil {
		return "", nil, err
	}
	return claims.Code, claims, nil
}
