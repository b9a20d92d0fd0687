package worker

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/crypto/ssh"
)

// RepoSyncer brings the local policy repository checkout up to date with the
// source of truth before the detector reads it. The git mechanics live behind
// this interface; the engine only cares that Sync returns once the checkout
// reflects the remote.
type RepoSyncer interface {
	Sync(ctx context.Context) error
}

// GitSyncer clones-or-pulls POLICY_REPO_URL into dir by shelling out to git.
// When keyPath names an SSH private key it is validated once and handed to
// git through GIT_SSH_COMMAND so private repositories work.
type GitSyncer struct {
	url     string
	dir     string
	branch  string
	keyPath string
}

func NewGitSyncer(url, dir, branch, keyPath string) (*GitSyncer, error) {
	if keyPath != "" {
		raw, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("worker: read ssh key: %w", err)
		}
		if _, err := ssh.ParsePrivateKey(raw); err != nil {
			return nil, fmt.Errorf("worker: ssh key %s not parseable: %w", keyPath, err)
		}
	}
	if branch == "" {
		branch = "main"
	}
	return &GitSyncer{url: url, dir: dir, branch: branch, keyPath: keyPath}, nil
}

func (g *GitSyncer) Sync(ctx context.Context) error {
	if _, err := os.Stat(g.dir + "/.git"); err != nil {
		return g.run(ctx, "", "clone", "--branch", g.branch, "--single-branch", g.url, g.dir)
	}
	if err := g.run(ctx, g.dir, "fetch", "origin", g.branch); err != nil {
		return err
	}
	return g.run(ctx, g.dir, "reset", "--hard", "origin/"+g.branch)
}

func (g *GitSyncer) run(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = os.Environ()
	if g.keyPath != "" {
		cmd.Env = append(cmd.Env,
			"GIT_SSH_COMMAND=ssh -i "+g.keyPath+" -o IdentitiesOnly=yes -o StrictHostKeyChecking=accept-new")
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("worker: git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	log.Printf("worker: git %s ok", args[0])
	return nil
}

// NoopSyncer is the RepoSyncer for deployments that mount the policy
// directory some other way (CI artifact, config volume).
type NoopSyncer struct{}

func (NoopSyncer) Sync(context.Context) error { return nil }
