// Package collab defines the engine's external collaborator boundary:
// the model-invocation service, the code-repository client, and
// notification sinks. The engine depends only on these interfaces.
package collab

import (
	"context"
	"errors"

	"github.com/BaSui01/edwflow/types"
)

// ErrNotFound is returned by repository lookups that matched nothing.
var ErrNotFound = errors.New("not found")

// ModelInvoker is the single interface through which nodes obtain
// generative reasoning. Treated as opaque, slow, and fallible.
type ModelInvoker interface {
	// Invoke sends a prompt plus short-range conversation context and
	// returns the model text. Failures should be *types.Error so the
	// executor can distinguish retryable collaborator trouble.
	Invoke(ctx context.Context, prompt string, contextMsgs []types.Message) (string, error)
}

// CodeResult is the outcome of a repository table lookup.
type CodeResult struct {
	TableName  string   `json:"table_name"`
	Path       string   `json:"path"`
	SourceCode string   `json:"source_code"`
	Fields     []string `json:"fields"`
	BaseTables []string `json:"base_tables,omitempty"`
}

// CommitResult is the outcome of a repository commit.
type CommitResult struct {
	CommitID string `json:"commit_id"`
	Path     string `json:"path"`
	Branch   string `json:"branch,omitempty"`
}

// CodeRepository is the source-code repository client boundary.
type CodeRepository interface {
	// FindByTableName locates the model code backing a warehouse table.
	// Returns ErrNotFound when the table has no backing code.
	FindByTableName(ctx context.Context, name string) (*CodeResult, error)
	// Commit writes content to path with a commit message.
	Commit(ctx context.Context, path, content, message string) (*CommitResult, error)
}

// SinkKind names a notification channel.
type SinkKind string

const (
	SinkEmail  SinkKind = "email"
	SinkDocHub SinkKind = "dochub"
)

// NotificationSink is fire-and-forget from the engine's perspective:
// failures are logged by the publishing node, never aborting the pipeline.
type NotificationSink interface {
	Send(ctx context.Context, kind SinkKind, payload any) error
}
