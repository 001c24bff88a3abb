package auth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
	"golang.org/x/oauth2"
)

// ErrNoToken means the auth server holds no grant for the account.
var ErrNoToken = eris.New("no oauth grant for account")

// TokenBroker fetches per-account OAuth tokens from the auth server that owns
// the grants. The auth server handles storage and refresh.
type TokenBroker struct {
	baseURL      string
	serviceToken string
	client       *http.Client
}

// NewTokenBroker creates a broker for the auth server at baseURL. serviceToken
// authenticates this service to it.
func NewTokenBroker(baseURL, serviceToken string) *TokenBroker {
	return &TokenBroker{
		baseURL:      baseURL,
		serviceToken: serviceToken,
		client:       &http.Client{Timeout: 10 * time.Second},
	}
}

// Token fetches the current access token of an account.
func (b *TokenBroker) Token(ctx context.Context, accountID string) (*oauth2.Token, error) {
	endpoint := fmt.Sprintf("%s/api/auth/accounts/google/token?accountId=%s", b.baseURL, url.QueryEscape(accountID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, eris.Wrap(err, "create token request")
	}
	req.Header.Set("Authorization", "Bearer "+b.serviceToken)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "token request for account %s", accountID)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, eris.Wrapf(ErrNoToken, "account %s", accountID)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, eris.Errorf("token request for account %s: status %d: %s", accountID, resp.StatusCode, string(body))
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresAt    int64  `json:"expires_at"` // unix seconds
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, eris.Wrap(err, "decode token response")
	}
	if result.AccessToken == "" {
		return nil, eris.Wrapf(ErrNoToken, "account %s: empty access token", accountID)
	}

	tok := &oauth2.Token{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		TokenType:    "Bearer",
	}
	if result.ExpiresAt > 0 {
		tok.Expiry = time.Unix(result.ExpiresAt, 0)
	}
	return tok, nil
}

// TokenSource returns a source that re-asks the broker once the cached token
// expires.
func (b *TokenBroker) TokenSource(ctx context.Context, accountID string) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, &brokerSource{ctx: ctx, broker: b, accountID: accountID})
}

type brokerSource struct {
	ctx       context.Context
	broker    *TokenBroker
	accountID string
}

func (s *brokerSource) Token() (*oauth2.Token, error) {
	return s.broker.Token(s.ctx, s.accountID)
}
