// Package signer derives the short-lived upstream bearer token from the xsrf
// signing key the auth endpoint hands out. The construction mirrors the
// browser client: an HS256 JWT whose segments are packed with a non-standard
// character-to-byte encoding.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

const (
	issuer   = "https://business.gemini.google"
	audience = "https://biz-discoveryengine.googleapis.com"
)

// TokenLifetime is the validity window baked into signed tokens.
const TokenLifetime = 5 * time.Minute

type header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
	Kid string `json:"kid"`
}

type claims struct {
	Iss string `json:"iss"`
	Aud string `json:"aud"`
	Sub string `json:"sub"`
	Iat int64  `json:"iat"`
	Exp int64  `json:"exp"`
	Nbf int64  `json:"nbf"`
}

// DecodeXSRFKey turns the unpadded base64url xsrf token into the raw HMAC key.
func DecodeXSRFKey(xsrfToken string) ([]byte, error) {
	if pad := len(xsrfToken) % 4; pad != 0 {
		xsrfToken += "===="[:4-pad]
	}
	key, err := base64.URLEncoding.DecodeString(xsrfToken)
	if err != nil {
		return nil, fmt.Errorf("decode xsrf token: %w", err)
	}
	return key, nil
}

// Sign builds the bearer token for one account session index.
func Sign(key []byte, keyID, csesidx string, now time.Time) (string, error) {
	headerJSON, err := json.Marshal(header{Alg: "HS256", Typ: "JWT", Kid: keyID})
	if err != nil {
		return "", err
	}
	claimsJSON, err := json.Marshal(claims{
		Iss: issuer,
		Aud: audience,
		Sub: "csesidx/" + csesidx,
		Iat: now.Unix(),
		Exp: now.Add(TokenLifetime).Unix(),
		Nbf: now.Unix(),
	})
	if err != nil {
		return "", err
	}

	message := packSegment(string(headerJSON)) + "." + packSegment(string(claimsJSON))

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	signature := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	return message + "." + signature, nil
}

// packSegment reproduces the upstream widget's character packing: code points
// above 255 are split into low and high bytes before base64url encoding.
// JSON segments are ASCII in practice, but the quirk is kept for parity.
func packSegment(s string) string {
	buf := make([]byte, 0, len(s))
	for _, r := range s {
		if r > 255 {
			buf = append(buf, byte(r&255), byte(r>>8))
		} else {
			buf = append(buf, byte(r))
		}
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
