package suggest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/faultline/internal/classifier"
	"github.com/fyrsmithlabs/faultline/internal/config"
)

// codeRelevanceWeight scales code-search relevance below issue results.
const codeRelevanceWeight = 0.5

// GitHubConfig configures the issue and code search source.
type GitHubConfig struct {
	Token config.Secret
	// BaseURL overrides the API root, e.g. for GitHub Enterprise.
	BaseURL string
	// CodeSearch adds code results; it requires a token.
	CodeSearch bool
	Logger     *zap.Logger
}

// GitHubSource searches GitHub issues, and code when authenticated.
type GitHubSource struct {
	client     *github.Client
	codeSearch bool
	logger     *zap.Logger
}

// NewGitHubSource builds the source. Without a token it searches
// anonymously at the lower unauthenticated rate limit.
func NewGitHubSource(ctx context.Context, cfg GitHubConfig) (*GitHubSource, error) {
	var httpClient *http.Client
	if cfg.Token.IsSet() {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token.Value()})
		httpClient = oauth2.NewClient(ctx, ts)
	}
	client := github.NewClient(httpClient)
	if cfg.BaseURL != "" {
		base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("github base url: %w", err)
		}
		client.BaseURL = base
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GitHubSource{
		client:     client,
		codeSearch: cfg.CodeSearch && cfg.Token.IsSet(),
		logger:     logger,
	}, nil
}

func (*GitHubSource) ID() SourceID { return SourceGitHub }

// Search returns matching issues, closed ones marked accepted, followed by
// code matches when code search is enabled.
func (g *GitHubSource) Search(ctx context.Context, q classifier.Query, limit int) ([]Suggestion, error) {
	issues, _, err := g.client.Search.Issues(ctx, q.Text+" is:issue", &github.SearchOptions{
		ListOptions: github.ListOptions{PerPage: limit},
	})
	if err != nil {
		return nil, githubError(err)
	}

	found := issues.Issues
	if len(found) > limit {
		found = found[:limit]
	}
	out := make([]Suggestion, 0, limit)
	for i, is := range found {
		s := Suggestion{
			ID:             fmt.Sprintf("github:issue:%d", is.GetID()),
			Source:         SourceGitHub,
			Title:          is.GetTitle(),
			URL:            is.GetHTMLURL(),
			Excerpt:        preview(is.GetBody()),
			RelevanceScore: decay(i, len(found)),
			Accepted:       is.GetState() == "closed",
		}
		if is.Reactions != nil {
			s.VoteCount = is.Reactions.GetTotalCount()
		}
		for _, l := range is.Labels {
			s.Tags = append(s.Tags, l.GetName())
		}
		out = append(out, s)
	}

	if g.codeSearch && len(out) < limit {
		out = append(out, g.searchCode(ctx, q, limit-len(out))...)
	}
	return out, nil
}

// searchCode is best effort: its failure leaves the issue results intact.
func (g *GitHubSource) searchCode(ctx context.Context, q classifier.Query, limit int) []Suggestion {
	res, _, err := g.client.Search.Code(ctx, q.Text, &github.SearchOptions{
		TextMatch:   true,
		ListOptions: github.ListOptions{PerPage: limit},
	})
	if err != nil {
		g.logger.Debug("github code search failed", zap.Error(err))
		return nil
	}
	found := res.CodeResults
	if len(found) > limit {
		found = found[:limit]
	}
	out := make([]Suggestion, 0, len(found))
	for i, c := range found {
		repo := c.GetRepository().GetFullName()
		excerpt := ""
		if len(c.TextMatches) > 0 {
			excerpt = preview(c.TextMatches[0].GetFragment())
		}
		out = append(out, Suggestion{
			ID:             fmt.Sprintf("github:code:%s:%s", repo, c.GetPath()),
			Source:         SourceGitHub,
			Title:          repo + ": " + c.GetPath(),
			URL:            c.GetHTMLURL(),
			Excerpt:        excerpt,
			RelevanceScore: codeRelevanceWeight * decay(i, len(found)),
			Tags:           []string{"code"},
		})
	}
	return out
}

// githubError maps API failures: rate limits are ordinary failures, 401
// and 403 without rate-limit context are authentication failures.
func githubError(err error) error {
	var rle *github.RateLimitError
	if errors.As(err, &rle) {
		return fmt.Errorf("github: rate limited until %s: %w", rle.Rate.Reset.Time, err)
	}
	var abuse *github.AbuseRateLimitError
	if errors.As(err, &abuse) {
		return fmt.Errorf("github: secondary rate limit: %w", err)
	}
	var er *github.ErrorResponse
	if errors.As(err, &er) && er.Response != nil {
		switch er.Response.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return &AuthError{Source: SourceGitHub, Status: er.Response.StatusCode, Err: err}
		}
	}
	return fmt.Errorf("github: %w", err)
}

func preview(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= maxExcerptRunes {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:maxExcerptRunes])) + "…"
}
