package run

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/wislap/N.E.K.O-sub001/errors"
)

// TokenClaims is the run-token payload named verbatim in spec §6:
// "payload={run_id, exp, nonce, perm}".
type TokenClaims struct {
	RunID string `json:"run_id"`
	Exp   int64  `json:"exp"`
	Nonce string `json:"nonce"`
	Perm  string `json:"perm"`
}

// IssueToken builds the literal run-token wire format named in spec §6:
// "base64url(payload).base64url(hmac_sha256(key, p1))", grounded on
// plugin/grpc/queue_server.go's crypto/subtle constant-time auth-token
// comparison idiom, generalized here to an HMAC-signed, self-describing
// token rather than a shared static secret.
//
// The signature is HMAC-SHA256 over the raw JSON payload bytes, not over
// their base64url text; VerifyToken checks it the same way.
func IssueToken(secret []byte, runID string, ttl time.Duration, perm string) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("run token secret is empty")
	}
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", errors.Wrap(err, "failed to generate run token nonce")
	}

	claims := TokenClaims{
		RunID: runID,
		Exp:   time.Now().Add(ttl).Unix(),
		Nonce: base64.RawURLEncoding.EncodeToString(nonce),
		Perm:  perm,
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal run token payload")
	}

	encodedPayload := base64.RawURLEncoding.EncodeToString(payload)
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	signature := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	return encodedPayload + "." + signature, nil
}

// VerifyToken checks the HMAC signature and expiry of a run token issued
// by IssueToken, and returns its claims on success.
func VerifyToken(secret []byte, token string) (*TokenClaims, error) {
	dot := indexByte(token, '.')
	if dot < 0 {
		return nil, errors.New("malformed run token")
	}
	encodedPayload, encodedSig := token[:dot], token[dot+1:]

	payload, err := base64.RawURLEncoding.DecodeString(encodedPayload)
	if err != nil {
		return nil, errors.Wrap(err, "malformed run token payload")
	}
	wantSig, err := base64.RawURLEncoding.DecodeString(encodedSig)
	if err != nil {
		return nil, errors.Wrap(err, "malformed run token signature")
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	gotSig := mac.Sum(nil)
	if subtle.ConstantTimeCompare(gotSig, wantSig) != 1 {
		return nil, errors.New("run token signature mismatch")
	}

	var claims TokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, errors.Wrap(err, "malformed run token claims")
	}
	if time.Now().Unix() > claims.Exp {
		return nil, errors.New("run token expired")
	}
	return &claims, nil
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}
