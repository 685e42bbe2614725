package mail

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/nust-lifeline/ledger/pkg/util/resiliency"
)

// ClientOptionsFromFiles builds the option.ClientOption set for
// NewGmailGateway from a Google OAuth client-credentials file and a
// previously authorized token file. The token file is refreshed in place
// whenever the access token is rotated, so the campaign mailbox never
// needs an interactive re-auth once it has been granted once.
func ClientOptionsFromFiles(ctx context.Context, credentialsPath, tokenPath string) ([]option.ClientOption, error) {
	credBytes, err := os.ReadFile(credentialsPath)
	if err != nil {
		return nil, fmt.Errorf("mail: read credentials: %w", err)
	}
	config, err := google.ConfigFromJSON(credBytes, gmail.GmailModifyScope, gmail.GmailSendScope)
	if err != nil {
		return nil, fmt.Errorf("mail: parse credentials: %w", err)
	}

	tok, err := loadToken(tokenPath)
	if err != nil {
		return nil, fmt.Errorf("mail: load token (run the one-time OAuth grant first): %w", err)
	}

	ts := &persistingTokenSource{
		path:   tokenPath,
		source: config.TokenSource(ctx, tok),
	}

	// Route the Gmail SDK's outbound calls through the retry/circuit-
	// breaker transport instead of a bare TokenSource, so a transient 5xx
	// from Gmail doesn't fail an ingest/watchdog poll outright.
	resilientCtx := context.WithValue(ctx, oauth2.HTTPClient, resiliency.WrapTransport(nil, "gmail"))
	httpClient := oauth2.NewClient(resilientCtx, ts)
	return []option.ClientOption{option.WithHTTPClient(httpClient)}, nil
}

func loadToken(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	tok := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(tok); err != nil {
		return nil, err
	}
	return tok, nil
}

// persistingTokenSource wraps an oauth2.TokenSource and writes refreshed
// tokens back to disk, since google.Config.TokenSource does not persist
// the rotated refresh/access tokens itself.
type persistingTokenSource struct {
	path   string
	source oauth2.TokenSource
}

func (p *persistingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := p.source.Token()
	if err != nil {
		return nil, err
	}
	if f, err := os.OpenFile(p.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600); err == nil {
		_ = json.NewEncoder(f).Encode(tok)
		_ = f.Close()
	}
	return tok, nil
}
