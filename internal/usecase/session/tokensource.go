package session

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/bnema/reach/internal/domain"
)

// TokenSource exposes the authority as an oauth2.TokenSource.
// Each Token call goes through GetValidTokenWithRefresh with ctx.
func (a *Authority) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, authority: a}
}

type tokenSource struct {
	ctx       context.Context
	authority *Authority
}

func (ts *tokenSource) Token() (*oauth2.Token, error) {
	res := ts.authority.GetValidTokenWithRefresh(ts.ctx)
	if !res.Valid {
		return nil, fmt.Errorf("%w: %s", domain.ErrNoValidToken, res.Reason)
	}

	tok := &oauth2.Token{
		AccessToken: res.Token,
		TokenType:   domain.DefaultTokenType,
	}
	if rec := ts.authority.Snapshot(); rec != nil && rec.AccessToken == res.Token {
		tok.TokenType = rec.TokenType
		tok.Expiry = rec.ExpiresAt
	}
	return tok, nil
}
