package github

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AppTokenSource mints short-lived GitHub App installation tokens, caching
// the current token until shortly before it expires.
type AppTokenSource struct {
	appID            string
	installationID   string
	privateKey       *rsa.PrivateKey
	http             *http.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewAppTokenSource parses privateKeyPEM and builds a token source for the
// given app/installation pair.
func NewAppTokenSource(appID, installationID, privateKeyPEM string) (*AppTokenSource, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("parse github app private key: %w", err)
	}
	return &AppTokenSource{
		appID:          appID,
		installationID: installationID,
		privateKey:     key,
		http:           &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// Token returns a valid installation access token, minting a fresh app JWT
// and exchanging it if the cached token is within two minutes of expiry.
func (a *AppTokenSource) Token(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token != "" && time.Until(a.expiresAt) > 2*time.Minute {
		return a.token, nil
	}

	appJWT, err := a.mintAppJWT()
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("https://api.github.com/app/installations/%s/access_tokens", a.installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := a.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("exchange app jwt: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("exchange app jwt: status %d: %s", resp.StatusCode, string(body))
	}

	var out struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode installation token response: %w", err)
	}

	a.token = out.Token
	a.expiresAt = out.ExpiresAt
	return a.token, nil
}

func (a *AppTokenSource) mintAppJWT() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-30 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
		Issuer:    a.appID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(a.privateKey)
}
