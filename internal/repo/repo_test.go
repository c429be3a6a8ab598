package repo

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v (%s)", args, err, out)
		}
	}

	run("init")
	if err := os.WriteFile(filepath.Join(dir, "README"), []byte("hello\n"), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	run("add", "README")
	run("commit", "-m", "initial commit")

	return dir
}

func TestOpenRejectsNonGitDirectory(t *testing.T) {
	dir := t.TempDir()
	if _, err := Open(dir, ""); err == nil {
		t.Fatalf("expected error opening non-git directory")
	}
}

func TestHistoryAndRoot(t *testing.T) {
	dir := initRepo(t)
	r, err := Open(dir, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	history, err := r.History()
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 commit, got %d", len(history))
	}

	root, err := r.Root()
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	if root == "" {
		t.Fatalf("expected non-empty root commit")
	}
}

func TestLocalRefsAndSignatureAndBranch(t *testing.T) {
	dir := initRepo(t)
	r, err := Open(dir, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	refs, err := r.LocalRefs()
	if err != nil {
		t.Fatalf("LocalRefs: %v", err)
	}
	if len(refs) != 1 {
		t.Fatalf("expected 1 local ref, got %d", len(refs))
	}

	sig1, err := r.RefsSignature()
	if err != nil {
		t.Fatalf("RefsSignature: %v", err)
	}
	sig2, err := r.RefsSignature()
	if err != nil {
		t.Fatalf("RefsSignature: %v", err)
	}
	if sig1 != sig2 {
		t.Fatalf("signature not stable across calls: %q != %q", sig1, sig2)
	}

	branch, err := r.Branch()
	if err != nil {
		t.Fatalf("Branch: %v", err)
	}
	if branch == "" {
		t.Fatalf("expected a current branch name")
	}
}

func TestAddRemoteIsIdempotent(t *testing.T) {
	dir := initRepo(t)
	r, err := Open(dir, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := r.AddRemote("peer1"); err != nil {
		t.Fatalf("AddRemote: %v", err)
	}
	if err := r.AddRemote("peer1"); err != nil {
		t.Fatalf("AddRemote (second call): %v", err)
	}

	remotes, err := r.Remotes()
	if err != nil {
		t.Fatalf("Remotes: %v", err)
	}
	count := 0
	for _, name := range remotes {
		if name == "p2p-peer1" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one p2p-peer1 remote, got %d", count)
	}
}
