package notify

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/miradorstack/flakeguard/internal/repo"
)

// CommentPoster is the GitHub capability the API sink needs.
type CommentPoster interface {
	CreateIssueComment(ctx context.Context, number int, body string) (repo.IssueComment, error)
}

// GitHubSink posts through the REST API.
type GitHubSink struct {
	client CommentPoster
	pr     int
}

// NewGitHubSink returns a sink commenting on pull request pr.
func NewGitHubSink(client CommentPoster, pr int) *GitHubSink {
	return &GitHubSink{client: client, pr: pr}
}

// Name implements Sink.
func (s *GitHubSink) Name() string { return "github-api" }

// Post implements Sink.
func (s *GitHubSink) Post(ctx context.Context, body string) error {
	_, err := s.client.CreateIssueComment(ctx, s.pr, body)
	return err
}

// CommandRunner runs an external command and returns its combined output.
type CommandRunner func(ctx context.Context, env []string, name string, args ...string) ([]byte, error)

// GHCLISink posts through the gh command line tool.
type GHCLISink struct {
	binary string
	pr     int
	token  string
	run    CommandRunner
}

// NewGHCLISink returns a sink invoking `gh pr comment`. token, when set, is passed as GH_TOKEN.
func NewGHCLISink(binary string, pr int, token string) *GHCLISink {
	if binary == "" {
		binary = "gh"
	}
	return &GHCLISink{binary: binary, pr: pr, token: token, run: execRunner}
}

// Name implements Sink.
func (s *GHCLISink) Name() string { return "gh-cli" }

// Post implements Sink.
func (s *GHCLISink) Post(ctx context.Context, body string) error {
	var env []string
	if s.token != "" {
		env = append(os.Environ(), "GH_TOKEN="+s.token)
	}
	out, err := s.run(ctx, env, s.binary, "pr", "comment", strconv.Itoa(s.pr), "--body", body)
	if err != nil {
		return fmt.Errorf("%s pr comment: %w: %s", s.binary, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func execRunner(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = env
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.Bytes(), err
}
