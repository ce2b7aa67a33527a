package vaultsync

import (
	"context"
	"os"
	"os/exec"
	"strings"
)

// GitRunner executes git commands. Tests substitute a fake.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (stdout, stderr string, err error)
}

// ExecGitRunner implements GitRunner using os/exec. When SSHKey is set every
// command authenticates with that key only.
type ExecGitRunner struct {
	SSHKey string
}

func (r *ExecGitRunner) Run(ctx context.Context, dir string, args ...string) (stdout, stderr string, err error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	if r.SSHKey != "" {
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND=ssh -i "+r.SSHKey+" -o IdentitiesOnly=yes -o StrictHostKeyChecking=accept-new")
	}

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()
	return stdoutBuf.String(), stderrBuf.String(), err
}
