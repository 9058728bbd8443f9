// Package deployment turns change sets into deployed output.
//
// A Manager owns one site's deployment lock and records. Every operation that
// writes the repository, the output directory or a record runs under that
// lock; when the lock is busy, Deploy and friends fail fast with ErrConflict
// and leave every record as it was. Webhook fetches are the exception: they
// are queued (depth one) behind the current holder instead.
package deployment

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"deployagent/internal/repository"
	"deployagent/internal/status"
)

var (
	// ErrConflict is returned when another operation holds the deployment
	// lock, or when an operation would remove the active deployment.
	ErrConflict = errors.New("deployment operation already in progress")

	// ErrNotFound is returned for unknown deployment ids and revisions.
	ErrNotFound = errors.New("deployment not found")
)

// Repository is the working copy deployments are built from.
type Repository interface {
	Path() string
	ChangeSet(ctx context.Context, ref string) (*repository.ChangeSet, error)
	Update(ctx context.Context, id string) error
	Clean(ctx context.Context) error
	Fetch(ctx context.Context, branch string) (*repository.ChangeSet, error)
}

// BuildContext is everything a Builder gets for one deployment.
type BuildContext struct {
	ID         string
	SourcePath string
	OutputPath string

	// Logger writes to the deployment log.
	Logger *zap.Logger

	// PreviousManifest lists the files the active deployment put in
	// OutputPath. Empty when nothing was deployed before.
	PreviousManifest string
	// NextManifest is where the builder records the files it deployed.
	NextManifest string
}

// Builder produces the site output from the repository.
type Builder interface {
	Build(ctx context.Context, bc *BuildContext) error
}

// Notifier is told about a deployment when it starts and once it has an
// outcome. Failures are logged and otherwise ignored.
type Notifier interface {
	Notify(ctx context.Context, rec *status.File) error
}

// FetchRequest asks for the tip of a branch to be fetched and deployed.
type FetchRequest struct {
	Branch   string
	Deployer string
}

// FetchResult reports what happened to a FetchRequest.
type FetchResult struct {
	// Queued is true when another operation held the lock; its holder runs
	// the request once it is done.
	Queued bool
}
