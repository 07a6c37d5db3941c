package github

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/go-github/v66/github"
	"github.com/shaun/inkwell/internal/domain"
	"github.com/shaun/inkwell/internal/logging"
	"github.com/shaun/inkwell/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const defaultTimeout = 30 * time.Second

// Config configures a Client. Zero values are usable.
type Config struct {
	// BaseURL overrides the API endpoint (GitHub Enterprise, tests).
	BaseURL string
	// Timeout bounds every API call.
	Timeout time.Duration
	// HTTPClient is the base transport; the bearer token is layered on top.
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client is the gateway to the GitHub REST API. It holds no per-user state:
// every call carries the caller's token.
type Client struct {
	hc      *http.Client
	baseURL *url.URL
	timeout time.Duration
	log     *zap.Logger
}

func NewClient(cfg Config) (*Client, error) {
	c := &Client{hc: cfg.HTTPClient, timeout: cfg.Timeout, log: logging.OrNop(cfg.Logger)}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if cfg.BaseURL != "" {
		base := cfg.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("invalid github base url %q: %w", cfg.BaseURL, err)
		}
		c.baseURL = u
	}
	return c, nil
}

func (c *Client) api(ctx context.Context, token string) *github.Client {
	if c.hc != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.hc)
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(ctx, ts)
	httpClient.Timeout = c.timeout

	client := github.NewClient(httpClient)
	if c.baseURL != nil {
		client.BaseURL = c.baseURL
	}
	return client
}

// observe records the call and classifies its error.
func (c *Client) observe(op string, start time.Time, err *error) {
	*err = classify(*err)
	outcome := "ok"
	switch {
	case *err == nil:
	case errors.Is(*err, domain.ErrAuth):
		outcome = "auth"
	case errors.Is(*err, domain.ErrNotFound):
		outcome = "not_found"
	case errors.Is(*err, domain.ErrConflict):
		outcome = "conflict"
	case errors.Is(*err, domain.ErrDecode):
		outcome = "decode"
	case errors.Is(*err, domain.ErrNetwork):
		outcome = "network"
	default:
		outcome = "error"
	}
	metrics.RecordGitHubRequest(op, outcome, time.Since(start))
}

// classify maps transport and API failures onto the domain error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{domain.ErrAuth, domain.ErrNotFound, domain.ErrConflict, domain.ErrDecode, domain.ErrNetwork} {
		if errors.Is(err, known) {
			return err
		}
	}

	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return fmt.Errorf("%w: %w", domain.ErrNetwork, err)
	}

	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch code := ghErr.Response.StatusCode; {
		case code == http.StatusUnauthorized || code == http.StatusForbidden:
			return fmt.Errorf("%w: %w", domain.ErrAuth, err)
		case code == http.StatusNotFound:
			return fmt.Errorf("%w: %w", domain.ErrNotFound, err)
		case code == http.StatusConflict || code == http.StatusUnprocessableEntity:
			// 422 is what GitHub answers when a create targets an existing file.
			return fmt.Errorf("%w: %w", domain.ErrConflict, err)
		case code >= http.StatusInternalServerError:
			return fmt.Errorf("%w: %w", domain.ErrNetwork, err)
		}
		return err
	}

	var netErr net.Error
	var urlErr *url.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) || errors.As(err, &urlErr) {
		return fmt.Errorf("%w: %w", domain.ErrNetwork, err)
	}
	return err
}

// GetAuthenticatedUser validates token and returns the identity behind it.
func (c *Client) GetAuthenticatedUser(ctx context.Context, token string) (_ *domain.User, err error) {
	defer c.observe("get_user", time.Now(), &err)
	u, _, err := c.api(ctx, token).Users.Get(ctx, "")
	if err != nil {
		return nil, err
	}
	return &domain.User{ID: u.GetID(), Login: u.GetLogin(), Name: u.GetName(), AvatarURL: u.GetAvatarURL()}, nil
}

// ListRepositories lists repositories owned by the token's user, most
// recently updated first.
func (c *Client) ListRepositories(ctx context.Context, token string) (_ []*domain.Repository, err error) {
	defer c.observe("list_repositories", time.Now(), &err)
	client := c.api(ctx, token)
	opts := &github.RepositoryListByAuthenticatedUserOptions{
		Affiliation: "owner",
		Sort:        "updated",
		ListOptions: github.ListOptions{PerPage: 100},
	}

	var out []*domain.Repository
	for {
		repos, resp, err := client.Repositories.ListByAuthenticatedUser(ctx, opts)
		if err != nil {
			return nil, err
		}
		for _, r := range repos {
			out = append(out, &domain.Repository{
				ID:          strconv.FormatInt(r.GetID(), 10),
				Name:        r.GetName(),
				FullName:    r.GetFullName(),
				Description: r.GetDescription(),
				Private:     r.GetPrivate(),
			})
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// GetTree lists every entry of branch recursively: ref, then commit, then
// the recursive tree in one call.
func (c *Client) GetTree(ctx context.Context, token, owner, repo, branch string) (_ []domain.TreeEntry, err error) {
	defer c.observe("get_tree", time.Now(), &err)
	client := c.api(ctx, token)

	ref, _, err := client.Git.GetRef(ctx, owner, repo, "heads/"+branch)
	if err != nil {
		return nil, fmt.Errorf("get ref %s/%s@%s: %w", owner, repo, branch, err)
	}
	sha := ref.GetObject().GetSHA()
	tree, _, err := client.Git.GetTree(ctx, owner, repo, sha, true)
	if err != nil {
		return nil, fmt.Errorf("get tree %s/%s@%s: %w", owner, repo, sha, err)
	}
	if tree.GetTruncated() {
		c.log.Warn("tree listing truncated by GitHub",
			zap.String("repository", owner+"/"+repo), zap.String("branch", branch), zap.Int("entries", len(tree.Entries)))
	}

	entries := make([]domain.TreeEntry, 0, len(tree.Entries))
	for _, e := range tree.Entries {
		entries = append(entries, domain.TreeEntry{
			Path: e.GetPath(),
			Type: e.GetType(),
			SHA:  e.GetSHA(),
			Size: int64(e.GetSize()),
		})
	}
	return entries, nil
}

// GetFileContent fetches and decodes one file on branch. Files over 1 MB
// come back from the contents API without a body; those are read from the
// blob API by SHA instead.
func (c *Client) GetFileContent(ctx context.Context, token, owner, repo, branch, path string) (_ *domain.FileContent, err error) {
	defer c.observe("get_content", time.Now(), &err)
	gh := c.api(ctx, token)
	file, _, _, err := gh.Repositories.GetContents(ctx, owner, repo, path, &github.RepositoryContentGetOptions{Ref: branch})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	if file == nil || file.GetType() != "file" {
		return nil, fmt.Errorf("%w: %s is not a file", domain.ErrNotFound, path)
	}

	var content string
	if file.GetEncoding() == "none" {
		raw, _, err := gh.Git.GetBlobRaw(ctx, owner, repo, file.GetSHA())
		if err != nil {
			return nil, fmt.Errorf("get blob of %s: %w", path, err)
		}
		content = string(raw)
	} else if content, err = file.GetContent(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrDecode, path, err)
	}
	if !utf8.ValidString(content) {
		return nil, fmt.Errorf("%w: %s is not UTF-8", domain.ErrDecode, path)
	}
	return &domain.FileContent{Content: content, SHA: file.GetSHA(), Size: int64(file.GetSize())}, nil
}

// CreateFile creates path on branch and returns the new blob SHA. It fails
// with domain.ErrConflict when the file already exists.
func (c *Client) CreateFile(ctx context.Context, token, owner, repo, branch, path, content, message string) (_ string, err error) {
	defer c.observe("create_file", time.Now(), &err)
	res, _, err := c.api(ctx, token).Repositories.CreateFile(ctx, owner, repo, path, &github.RepositoryContentFileOptions{
		Message: github.String(message),
		Content: []byte(content),
		Branch:  github.String(branch),
	})
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}
	return res.GetContent().GetSHA(), nil
}

// UpdateFileContent replaces path only if its live blob SHA is still
// expectedSHA; otherwise GitHub answers 409 and domain.ErrConflict is
// returned.
func (c *Client) UpdateFileContent(ctx context.Context, token, owner, repo, branch, path, content, expectedSHA, message string) (_ string, err error) {
	defer c.observe("update_file", time.Now(), &err)
	res, _, err := c.api(ctx, token).Repositories.UpdateFile(ctx, owner, repo, path, &github.RepositoryContentFileOptions{
		Message: github.String(message),
		Content: []byte(content),
		SHA:     github.String(expectedSHA),
		Branch:  github.String(branch),
	})
	if err != nil {
		return "", fmt.Errorf("update %s: %w", path, err)
	}
	return res.GetContent().GetSHA(), nil
}

// DeleteFile deletes path if its live blob SHA is still expectedSHA.
func (c *Client) DeleteFile(ctx context.Context, token, owner, repo, branch, path, expectedSHA, message string) (err error) {
	defer c.observe("delete_file", time.Now(), &err)
	_, _, err = c.api(ctx, token).Repositories.DeleteFile(ctx, owner, repo, path, &github.RepositoryContentFileOptions{
		Message: github.String(message),
		SHA:     github.String(expectedSHA),
		Branch:  github.String(branch),
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}
