package ledger

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const sheetsScope = "https://www.googleapis.com/auth/spreadsheets"

// TokenSource exchanges a service-account assertion for short-lived access
// tokens and caches them until shortly before expiry.
type TokenSource struct {
	tokenURL string
	email    string
	key      *rsa.PrivateKey
	http     *http.Client
	now      func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewTokenSource loads the service-account private key from a PEM file.
func NewTokenSource(tokenURL, email, keyPath string) (*TokenSource, error) {
	pem, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read service account key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("parse service account key: %w", err)
	}
	if tokenURL == "" {
		tokenURL = "https://oauth2.googleapis.com/token"
	}
	return &TokenSource{
		tokenURL: tokenURL,
		email:    email,
		key:      key,
		http:     &http.Client{Timeout: 15 * time.Second},
		now:      time.Now,
	}, nil
}

// Token returns a valid access token, minting a new one when the cached token
// is within a minute of expiry.
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.token != "" && ts.now().Before(ts.expires.Add(-time.Minute)) {
		return ts.token, nil
	}

	now := ts.now()
	claims := jwt.MapClaims{
		"iss":   ts.email,
		"scope": sheetsScope,
		"aud":   ts.tokenURL,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(ts.key)
	if err != nil {
		return "", fmt.Errorf("sign assertion: %w", err)
	}

	form := url.Values{
		"grant_type": {"urn:ietf:params:oauth:grant-type:jwt-bearer"},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := ts.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("token exchange: status %d: %s", resp.StatusCode, string(raw))
	}
	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("token exchange: empty access token")
	}
	ts.token = body.AccessToken
	ts.expires = now.Add(time.Duration(body.ExpiresIn) * time.Second)
	return ts.token, nil
}
