package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Tyrowin/chatrelay/internal/errs"
	"github.com/Tyrowin/chatrelay/internal/protocol"
)

// tokenInfo is the response body of a token-info endpoint in the style of
// https://oauth2.googleapis.com/tokeninfo.
type tokenInfo struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Picture string `json:"picture"`
	Aud     string `json:"aud"`
	Exp     string `json:"exp"`
}

// TokenInfoVerifier asks a remote token-info endpoint to validate an ID
// token and return its profile claims.
type TokenInfoVerifier struct {
	endpoint string
	audience string
	client   *http.Client
	now      func() time.Time
}

// NewTokenInfoVerifier creates a verifier for endpoint. A nil client falls
// back to http.DefaultClient. A non-empty audience must match the aud claim.
func NewTokenInfoVerifier(endpoint, audience string, client *http.Client) *TokenInfoVerifier {
	if client == nil {
		client = http.DefaultClient
	}
	return &TokenInfoVerifier{endpoint: endpoint, audience: audience, client: client, now: time.Now}
}

func (v *TokenInfoVerifier) Verify(ctx context.Context, credential string) (protocol.Profile, error) {
	u, err := url.Parse(v.endpoint)
	if err != nil {
		return protocol.Profile{}, fmt.Errorf("%w: endpoint: %v", errs.ErrVerificationUnavailable, err)
	}
	q := u.Query()
	q.Set("id_token", credential)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return protocol.Profile{}, fmt.Errorf("%w: %v", errs.ErrVerificationUnavailable, err)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return protocol.Profile{}, fmt.Errorf("%w: %v", errs.ErrVerificationUnavailable, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return protocol.Profile{}, fmt.Errorf("%w: status %d", errs.ErrVerificationUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return protocol.Profile{}, fmt.Errorf("%w: status %d", errs.ErrMalformedCredential, resp.StatusCode)
	}

	var info tokenInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return protocol.Profile{}, fmt.Errorf("%w: token info: %v", errs.ErrVerificationUnavailable, err)
	}

	if v.audience != "" && info.Aud != v.audience {
		return protocol.Profile{}, fmt.Errorf("%w: audience %q", errs.ErrMalformedCredential, info.Aud)
	}
	if info.Exp != "" {
		exp, err := strconv.ParseInt(info.Exp, 10, 64)
		if err != nil {
			return protocol.Profile{}, fmt.Errorf("%w: exp: %v", errs.ErrMalformedCredential, err)
		}
		if !v.now().Before(time.Unix(exp, 0)) {
			return protocol.Profile{}, errs.ErrExpiredCredential
		}
	}

	return protocol.Profile{Name: info.Name, Email: info.Email, PictureURL: info.Picture}, nil
}
