package github

import (
	"context"
	"sync"

	"github.com/lattice-run/lattice/internal/capability"
)

// Stub is an in-memory GitHub implementation for local development and
// tests.
type Stub struct {
	mu    sync.Mutex
	prs   map[int]capability.PullRequest
	seq   int
}

func NewStub() *Stub {
	return &Stub{prs: make(map[int]capability.PullRequest)}
}

var _ capability.GitHub = (*Stub)(nil)

func (s *Stub) ListIssues(ctx context.Context, repo, state string) ([]capability.Issue, error) {
	return nil, nil
}

func (s *Stub) GetIssue(ctx context.Context, repo string, number int) (capability.Issue, error) {
	return capability.Issue{Number: number, State: "open"}, nil
}

func (s *Stub) ListPRs(ctx context.Context, repo, state string) ([]capability.PullRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]capability.PullRequest, 0, len(s.prs))
	for _, p := range s.prs {
		out = append(out, p)
	}
	return out, nil
}

func (s *Stub) ListReviews(ctx context.Context, repo string, number int) ([]capability.Review, error) {
	return nil, nil
}

func (s *Stub) ListReviewComments(ctx context.Context, repo string, number int) ([]capability.ReviewComment, error) {
	return nil, nil
}

func (s *Stub) CreateComment(ctx context.Context, repo string, number int, body string) error {
	return nil
}

func (s *Stub) AddLabel(ctx context.Context, repo string, number int, label string) error {
	return nil
}

func (s *Stub) RemoveLabel(ctx context.Context, repo string, number int, label string) error {
	return nil
}

func (s *Stub) CreatePR(ctx context.Context, repo, title, head, base, body string) (capability.PullRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	pr := capability.PullRequest{Number: s.seq, Title: title, Head: head, Base: base, State: "open"}
	s.prs[pr.Number] = pr
	return pr, nil
}

func (s *Stub) MergePR(ctx context.Context, repo string, number int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pr, ok := s.prs[number]
	if !ok {
		return &capability.ErrNotFound{Resource: "pr"}
	}
	pr.State = "merged"
	s.prs[number] = pr
	return nil
}

func (s *Stub) CreateBranch(ctx context.Context, repo, name, fromSHA string) error {
	return nil
}

func (s *Stub) DeleteBranch(ctx context.Context, repo, name string) error {
	return nil
}
