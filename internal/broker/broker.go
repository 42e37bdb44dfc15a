// ABOUTME: Host-side session broker answering plugin token requests.
// ABOUTME: Echoes the request verbatim and delegates issuance to a static stub or an external authority.

package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"

	"github.com/2389/plughost/plugins/core"
)

// ErrNoToken is returned when an authority answered without a usable token.
var ErrNoToken = errors.New("broker: authority issued no token")

// Issuer produces a bearer value scoped to detail.
type Issuer interface {
	Issue(ctx context.Context, detail core.TokenRequestDetail) (string, error)
}

// StaticIssuer returns the same configured token for every request.
type StaticIssuer struct {
	Token string
}

// Issue returns the configured token.
func (s StaticIssuer) Issue(ctx context.Context, detail core.TokenRequestDetail) (string, error) {
	return s.Token, nil
}

// AuthorityIssuer asks an external token authority, sending detail as the requested scope.
// Any failure is returned as an error so the broker fails closed.
type AuthorityIssuer struct {
	URL    string
	Client *http.Client
}

// NewAuthorityIssuer creates an issuer for url. A nil client gets a 5 second timeout.
func NewAuthorityIssuer(url string, client *http.Client) *AuthorityIssuer {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &AuthorityIssuer{URL: url, Client: client}
}

// Issue POSTs detail as JSON and expects {"token": "..."} back with status 200.
func (a *AuthorityIssuer) Issue(ctx context.Context, detail core.TokenRequestDetail) (string, error) {
	body, err := json.Marshal(detail)
	if err != nil {
		return "", fmt.Errorf("encode token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.URL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token authority unreachable: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("read token authority response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token authority status %d", resp.StatusCode)
	}

	token := gjson.GetBytes(data, "token").String()
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// Broker answers onRequestToken calls from plugins.
type Broker struct {
	issuer Issuer

	issued atomic.Int64
	denied atomic.Int64
}

// New creates a broker backed by issuer.
func New(issuer Issuer) *Broker {
	return &Broker{issuer: issuer}
}

// RequestToken obtains a token and echoes detail unchanged in the response, whatever its contents.
// Scoping is the issuer's decision; when the issuer fails no response is produced.
func (b *Broker) RequestToken(ctx context.Context, detail core.TokenRequestDetail) (core.TokenRequestResponse, error) {
	token, err := b.issuer.Issue(ctx, detail.Clone())
	if err != nil {
		b.denied.Add(1)
		log.Printf("broker: token for %s (%v) denied: %v", detail.PluginID, detail.SubjectTypes, err)
		return core.TokenRequestResponse{}, fmt.Errorf("token request for %s: %w", detail.PluginID, err)
	}

	b.issued.Add(1)
	return core.TokenRequestResponse{Detail: detail.Clone(), Token: token}, nil
}

// Requester returns RequestToken as a props callback.
func (b *Broker) Requester() core.TokenRequester {
	return b.RequestToken
}

// Stats returns how many tokens were issued and denied.
func (b *Broker) Stats() (issued, denied int64) {
	return b.issued.Load(), b.denied.Load()
}
