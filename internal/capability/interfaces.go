// Package capability implements the classify → gate → audit → call pipeline
// every external action passes through, plus the interfaces each concrete
// capability (sprites, github, fly, secrets) implements.
package capability

import "context"

// SpriteInfo is the wire shape returned by the Sprites API for one instance.
type SpriteInfo struct {
	ID     string
	Status string
	Region string
	Image  string
}

// ExecResult is the outcome of a one-shot exec against a sprite.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// ExecLineFunc receives one line of an exec_ws session's output as it
// streams in, in arrival order. It is invoked synchronously from the
// goroutine reading the session, so it must not block.
type ExecLineFunc func(line string)

// Sprites is the capability surface over the fleet's compute provider.
type Sprites interface {
	List(ctx context.Context) ([]SpriteInfo, error)
	Get(ctx context.Context, id string) (SpriteInfo, error)
	Create(ctx context.Context, region, image string) (SpriteInfo, error)
	Delete(ctx context.Context, id string) error
	Wake(ctx context.Context, id string) error
	Sleep(ctx context.Context, id string) error
	Exec(ctx context.Context, id, cmd string) (ExecResult, error)
	// ExecWS opens a streaming exec session over the sprite's websocket
	// endpoint. onLine is called once per line of output as it arrives,
	// before the session completes; it may be nil.
	ExecWS(ctx context.Context, id, cmd string, onLine ExecLineFunc) (ExecResult, error)
	FetchLogs(ctx context.Context, id string, lines int) (string, error)
	// FetchOutbox returns the sprite's durable outbox as raw
	// newline-delimited JSON, for reconciling against a streamed session
	// that may have been interrupted mid-run.
	FetchOutbox(ctx context.Context, id string) (string, error)
	RestoreCheckpoint(ctx context.Context, id, checkpointID string, inputs map[string]interface{}) error
	// WriteResumeFile pushes a resume payload to the sprite's workspace so
	// its entrypoint can pick it up on re-exec.
	WriteResumeFile(ctx context.Context, id string, payload []byte) error
}

// Issue is a minimal GitHub issue projection.
type Issue struct {
	Number int
	Title  string
	Body   string
	State  string
	Labels []string
}

// PullRequest is a minimal GitHub PR projection.
type PullRequest struct {
	Number int
	Title  string
	Head   string
	Base   string
	Draft  bool
	State  string
}

// Review is a minimal PR review projection.
type Review struct {
	ID    int64
	User  string
	State string
	Body  string
}

// ReviewComment is a minimal inline PR review comment projection.
type ReviewComment struct {
	ID   int64
	Path string
	Body string
}

// GitHub is the capability surface over repository/PR/issue operations.
type GitHub interface {
	ListIssues(ctx context.Context, repo, state string) ([]Issue, error)
	GetIssue(ctx context.Context, repo string, number int) (Issue, error)
	ListPRs(ctx context.Context, repo, state string) ([]PullRequest, error)
	ListReviews(ctx context.Context, repo string, number int) ([]Review, error)
	ListReviewComments(ctx context.Context, repo string, number int) ([]ReviewComment, error)
	CreateComment(ctx context.Context, repo string, number int, body string) error
	AddLabel(ctx context.Context, repo string, number int, label string) error
	RemoveLabel(ctx context.Context, repo string, number int, label string) error
	CreatePR(ctx context.Context, repo, title, head, base, body string) (PullRequest, error)
	MergePR(ctx context.Context, repo string, number int) error
	CreateBranch(ctx context.Context, repo, name, fromSHA string) error
	DeleteBranch(ctx context.Context, repo, name string) error
}

// MachineStatus is the current state of a Fly Machine.
type MachineStatus struct {
	AppName string
	State   string
}

// Fly is the capability surface over the deployment platform.
type Fly interface {
	Status(ctx context.Context, app string) (MachineStatus, error)
	Restart(ctx context.Context, app string) error
	Deploy(ctx context.Context, app, image string) error
	Scale(ctx context.Context, app string, count int) error
}

// SecretStore is the capability surface over operator-managed secrets.
type SecretStore interface {
	Get(ctx context.Context, name string) (string, error)
	Put(ctx context.Context, name, value string) error
	Delete(ctx context.Context, name string) error
}
