// Package github implements the GitHub capability: repository, issue, and
// PR operations backed by google/go-github, authenticated either with a
// personal access token or a GitHub App installation token.
package github

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v68/github"
	"github.com/lattice-run/lattice/internal/capability"
)

// TokenSource returns a valid bearer token for the GitHub API. A GitHub App
// installation source reuses its minted token until shortly before expiry.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// staticToken implements TokenSource for a fixed personal access token.
type staticToken string

func (s staticToken) Token(context.Context) (string, error) { return string(s), nil }

// Client implements capability.GitHub against the live GitHub API.
type Client struct {
	gh     *github.Client
	tokens TokenSource
}

// NewWithPAT builds a live client authenticated with a personal access token.
func NewWithPAT(token string) *Client {
	return &Client{
		gh:     github.NewClient(nil).WithAuthToken(token),
		tokens: staticToken(token),
	}
}

// NewWithAppToken builds a live client that asks src for a bearer token
// before each call's underlying transport round trip; src mints a new one
// only when its cached token is near expiry.
func NewWithAppToken(src *AppTokenSource) *Client {
	transport := &appTokenTransport{src: src, base: http.DefaultTransport}
	httpClient := &http.Client{Transport: transport, Timeout: 30 * time.Second}
	return &Client{
		gh:     github.NewClient(httpClient),
		tokens: src,
	}
}

type appTokenTransport struct {
	src  *AppTokenSource
	base http.RoundTripper
}

func (t *appTokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	tok, err := t.src.Token(req.Context())
	if err != nil {
		return nil, err
	}
	req2 := req.Clone(req.Context())
	req2.Header.Set("Authorization", "Bearer "+tok)
	return t.base.RoundTrip(req2)
}

var _ capability.GitHub = (*Client)(nil)

func splitRepo(repo string) (owner, name string) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 {
		return repo, ""
	}
	return parts[0], parts[1]
}

// classify maps a go-github error (typically a *github.ErrorResponse or
// *github.RateLimitError) to the capability error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if rl, ok := err.(*github.RateLimitError); ok {
		return &capability.ErrRateLimited{RetryAfterSeconds: int(time.Until(rl.Rate.Reset.Time).Seconds())}
	}
	if ae, ok := err.(*github.AbuseRateLimitError); ok {
		retry := 60
		if ae.RetryAfter != nil {
			retry = int(ae.RetryAfter.Seconds())
		}
		return &capability.ErrRateLimited{RetryAfterSeconds: retry}
	}
	if er, ok := err.(*github.ErrorResponse); ok {
		status := er.Response.StatusCode
		switch status {
		case http.StatusNotFound:
			return &capability.ErrNotFound{Resource: er.Response.Request.URL.String()}
		case http.StatusUnauthorized, http.StatusForbidden:
			return &capability.ErrUnauthorized{Detail: er.Message}
		}
		if status >= 500 {
			return &capability.ErrServerError{Status: status, Msg: er.Message}
		}
		return &capability.ErrClientError{Status: status, Msg: er.Message}
	}
	return &capability.ErrConnection{Detail: err.Error()}
}

func (c *Client) ListIssues(ctx context.Context, repo, state string) ([]capability.Issue, error) {
	owner, name := splitRepo(repo)
	var all []capability.Issue
	opts := &github.IssueListByRepoOptions{State: state, ListOptions: github.ListOptions{PerPage: 100}}
	for {
		issues, resp, err := c.gh.Issues.ListByRepo(ctx, owner, name, opts)
		if err != nil {
			return nil, classify(err)
		}
		for _, i := range issues {
			if i.IsPullRequest() {
				continue
			}
			all = append(all, toIssue(i))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

func (c *Client) GetIssue(ctx context.Context, repo string, number int) (capability.Issue, error) {
	owner, name := splitRepo(repo)
	i, _, err := c.gh.Issues.Get(ctx, owner, name, number)
	if err != nil {
		return capability.Issue{}, classify(err)
	}
	return toIssue(i), nil
}

func (c *Client) ListPRs(ctx context.Context, repo, state string) ([]capability.PullRequest, error) {
	owner, name := splitRepo(repo)
	var all []capability.PullRequest
	opts := &github.PullRequestListOptions{State: state, ListOptions: github.ListOptions{PerPage: 100}}
	for {
		prs, resp, err := c.gh.PullRequests.List(ctx, owner, name, opts)
		if err != nil {
			return nil, classify(err)
		}
		for _, p := range prs {
			all = append(all, toPR(p))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

func (c *Client) ListReviews(ctx context.Context, repo string, number int) ([]capability.Review, error) {
	owner, name := splitRepo(repo)
	var all []capability.Review
	opts := &github.ListOptions{PerPage: 100}
	for {
		reviews, resp, err := c.gh.PullRequests.ListReviews(ctx, owner, name, number, opts)
		if err != nil {
			return nil, classify(err)
		}
		for _, r := range reviews {
			all = append(all, capability.Review{ID: r.GetID(), User: r.GetUser().GetLogin(), State: r.GetState(), Body: r.GetBody()})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

func (c *Client) ListReviewComments(ctx context.Context, repo string, number int) ([]capability.ReviewComment, error) {
	owner, name := splitRepo(repo)
	var all []capability.ReviewComment
	opts := &github.PullRequestListCommentsOptions{ListOptions: github.ListOptions{PerPage: 100}}
	for {
		comments, resp, err := c.gh.PullRequests.ListComments(ctx, owner, name, number, opts)
		if err != nil {
			return nil, classify(err)
		}
		for _, cm := range comments {
			all = append(all, capability.ReviewComment{ID: cm.GetID(), Path: cm.GetPath(), Body: cm.GetBody()})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

func (c *Client) CreateComment(ctx context.Context, repo string, number int, body string) error {
	owner, name := splitRepo(repo)
	_, _, err := c.gh.Issues.CreateComment(ctx, owner, name, number, &github.IssueComment{Body: github.Ptr(body)})
	return classify(err)
}

func (c *Client) AddLabel(ctx context.Context, repo string, number int, label string) error {
	owner, name := splitRepo(repo)
	_, _, err := c.gh.Issues.AddLabelsToIssue(ctx, owner, name, number, []string{label})
	return classify(err)
}

func (c *Client) RemoveLabel(ctx context.Context, repo string, number int, label string) error {
	owner, name := splitRepo(repo)
	_, err := c.gh.Issues.RemoveLabelForIssue(ctx, owner, name, number, label)
	return classify(err)
}

func (c *Client) CreatePR(ctx context.Context, repo, title, head, base, body string) (capability.PullRequest, error) {
	owner, name := splitRepo(repo)
	pr, _, err := c.gh.PullRequests.Create(ctx, owner, name, &github.NewPullRequest{
		Title: github.Ptr(title),
		Head:  github.Ptr(head),
		Base:  github.Ptr(base),
		Body:  github.Ptr(body),
	})
	if err != nil {
		return capability.PullRequest{}, classify(err)
	}
	return toPR(pr), nil
}

func (c *Client) MergePR(ctx context.Context, repo string, number int) error {
	owner, name := splitRepo(repo)
	_, _, err := c.gh.PullRequests.Merge(ctx, owner, name, number, "", nil)
	return classify(err)
}

func (c *Client) CreateBranch(ctx context.Context, repo, name, fromSHA string) error {
	owner, repoName := splitRepo(repo)
	ref := &github.Reference{
		Ref:    github.Ptr("refs/heads/" + name),
		Object: &github.GitObject{SHA: github.Ptr(fromSHA)},
	}
	_, _, err := c.gh.Git.CreateRef(ctx, owner, repoName, ref)
	return classify(err)
}

func (c *Client) DeleteBranch(ctx context.Context, repo, name string) error {
	owner, repoName := splitRepo(repo)
	_, err := c.gh.Git.DeleteRef(ctx, owner, repoName, "refs/heads/"+name)
	return classify(err)
}

func toIssue(i *github.Issue) capability.Issue {
	labels := make([]string, 0, len(i.Labels))
	for _, l := range i.Labels {
		labels = append(labels, l.GetName())
	}
	return capability.Issue{Number: i.GetNumber(), Title: i.GetTitle(), Body: i.GetBody(), State: i.GetState(), Labels: labels}
}

func toPR(p *github.PullRequest) capability.PullRequest {
	return capability.PullRequest{
		Number: p.GetNumber(),
		Title:  p.GetTitle(),
		Head:   p.GetHead().GetRef(),
		Base:   p.GetBase().GetRef(),
		Draft:  p.GetDraft(),
		State:  p.GetState(),
	}
}
