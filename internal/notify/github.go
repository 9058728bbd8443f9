// Package notify reports deployment outcomes to external systems.
package notify

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"deployagent/internal/deployment"
	"deployagent/internal/security"
	"deployagent/internal/status"
)

// maxDescription is the longest description GitHub accepts for a status.
const maxDescription = 140

// GitHubOptions configures a GitHub notifier.
type GitHubOptions struct {
	Owner   string
	Repo    string
	Token   string
	Context string

	// TargetURL, when set, is linked from the status.
	TargetURL string
	// BaseURL overrides the API endpoint, for GitHub Enterprise.
	BaseURL string

	Logger *zap.Logger
}

// GitHub sets commit statuses for deployed revisions.
type GitHub struct {
	client    *github.Client
	owner     string
	repo      string
	context   string
	targetURL string
	logger    *zap.Logger
}

var _ deployment.Notifier = (*GitHub)(nil)

// NewGitHub creates a GitHub notifier authenticated with opts.Token.
func NewGitHub(opts GitHubOptions) (*GitHub, error) {
	if opts.Owner == "" || opts.Repo == "" {
		return nil, fmt.Errorf("github repository is required")
	}
	if opts.Token == "" {
		return nil, fmt.Errorf("github token is required")
	}
	if opts.Context == "" {
		return nil, fmt.Errorf("status context is required")
	}

	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: opts.Token},
	)
	client := github.NewClient(oauth2.NewClient(context.Background(), ts))

	if opts.BaseURL != "" {
		base, err := url.Parse(strings.TrimSuffix(opts.BaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("invalid github base url: %w", err)
		}
		client.BaseURL = base
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &GitHub{
		client:    client,
		owner:     opts.Owner,
		repo:      opts.Repo,
		context:   opts.Context,
		targetURL: opts.TargetURL,
		logger:    logger.Named("github"),
	}, nil
}

// Notify sets the commit status of rec.ID. Records that do not name a
// revision, such as fetch placeholders, are skipped.
func (g *GitHub) Notify(ctx context.Context, rec *status.File) error {
	if security.ValidateRevision(rec.ID) != nil {
		return nil
	}

	repoStatus := &github.RepoStatus{
		State:       github.String(state(rec.Status)),
		Description: github.String(description(rec)),
		Context:     github.String(g.context),
	}
	if g.targetURL != "" {
		repoStatus.TargetURL = github.String(g.targetURL)
	}

	_, _, err := g.client.Repositories.CreateStatus(ctx, g.owner, g.repo, rec.ID, repoStatus)
	if err != nil {
		return fmt.Errorf("creating commit status: %w", err)
	}

	g.logger.Debug("commit status set",
		zap.String("sha", rec.ID),
		zap.String("state", repoStatus.GetState()),
	)
	return nil
}

func state(s status.Status) string {
	switch s {
	case status.Success:
		return "success"
	case status.Failed:
		return "failure"
	default:
		return "pending"
	}
}

func description(rec *status.File) string {
	var d string
	switch rec.Status {
	case status.Success:
		d = "Deployed"
		if rec.Deployer != "" {
			d += " by " + rec.Deployer
		}
	case status.Failed:
		d = "Deployment failed"
		if rec.StatusText != "" {
			d += ": " + firstLine(rec.StatusText)
		}
	case status.Pending:
		d = "Deployment queued"
	default:
		d = "Deployment in progress"
	}
	return truncate(d, maxDescription)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
