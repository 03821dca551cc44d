package baidu

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"carcare-ocr/api/internal/ocr"
)

// TokenClient exchanges the API key / secret key pair for an access token and
// caches it until shortly before expiry.
type TokenClient struct {
	httpc     *http.Client
	baseURL   string
	apiKey    string
	secretKey string

	mu     sync.Mutex
	token  string
	expiry time.Time
}

func NewTokenClient(baseURL, apiKey, secretKey string, httpc *http.Client) *TokenClient {
	return &TokenClient{
		httpc:     httpc,
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		secretKey: secretKey,
	}
}

// Token returns the cached token or fetches a new one.
func (c *TokenClient) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.expiry.Add(-time.Minute)) {
		return c.token, nil
	}

	q := url.Values{}
	q.Set("grant_type", "client_credentials")
	q.Set("client_id", c.apiKey)
	q.Set("client_secret", c.secretKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/oauth/2.0/token?"+q.Encode(), nil)
	if err != nil {
		return "", ocr.TransportError(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", ocr.TransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", ocr.TransportError(err)
	}

	var out struct {
		AccessToken      string `json:"access_token"`
		ExpiresIn        int64  `json:"expires_in"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &out); err != nil && resp.StatusCode == http.StatusOK {
		return "", ocr.TransportError(fmt.Errorf("token: decode: %w", err))
	}
	if resp.StatusCode != http.StatusOK || out.AccessToken == "" {
		msg := out.ErrorDescription
		if msg == "" {
			msg = fmt.Sprintf("token %d: %s", resp.StatusCode, truncate(body, 200))
		}
		return "", &ocr.EngineError{Code: ocr.CodeUnauthorized, Op: "token", Message: msg}
	}

	ttl := time.Duration(out.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	c.token = out.AccessToken
	c.expiry = time.Now().Add(ttl)
	return c.token, nil
}

// Invalidate drops the cached token so the next call fetches a new one.
func (c *TokenClient) Invalidate() {
	c.mu.Lock()
	c.token = ""
	c.expiry = time.Time{}
	c.mu.Unlock()
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
