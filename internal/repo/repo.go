// Package repo wraps the git command-line tool as the opaque
// "repository tool" spec.md §1 requires: every operation here is a
// short blocking invocation of git, never parsed protocol state of its
// own. Grounded on original_source/p2p/git.py's Git class, translated
// to idiomatic Go error handling (wrapped errors instead of bare
// exceptions).
package repo

import (
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strings"
)

// Repo is a handle on a single top-level git working directory.
type Repo struct {
	Dir string
	bin string
}

// Open validates that dir is inside a git working tree (git rev-parse
// --is-inside-work-tree succeeds there) and returns a handle on it. gitBinary is the repository
// tool to invoke (spec.md §6's git_binary config key); "" defaults to
// "git" on PATH.
func Open(dir, gitBinary string) (*Repo, error) {
	if gitBinary == "" {
		gitBinary = "git"
	}
	r := &Repo{Dir: dir, bin: gitBinary}
	cmd := r.git("rev-parse", "--is-inside-work-tree")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("repo: %s is not a git project: %w (%s)", dir, err, strings.TrimSpace(string(out)))
	}
	return r, nil
}

func (r *Repo) git(args ...string) *exec.Cmd {
	full := append([]string{"-C", r.Dir}, args...)
	return exec.Command(r.bin, full...)
}

// History maps commit hashes to their parent hashes (grounded on
// get_history: 'git log --pretty=%H %P').
func (r *Repo) History() (map[string][]string, error) {
	out, err := r.git("log", "--pretty=%H %P").Output()
	if err != nil {
		return nil, fmt.Errorf("repo: git log: %w", err)
	}

	history := make(map[string][]string)
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		history[fields[0]] = fields[1:]
	}
	return history, nil
}

// Root returns the hash of the repository's first commit (the one
// with no parents), lexically first if more than one candidate is
// found, or "" if the repository has no commits yet.
func (r *Repo) Root() (string, error) {
	history, err := r.History()
	if err != nil {
		return "", err
	}

	var candidates []string
	for commit, parents := range history {
		if len(parents) == 0 {
			candidates = append(candidates, commit)
		}
	}
	if len(candidates) == 0 {
		return "", nil
	}
	sort.Strings(candidates)
	return candidates[0], nil
}

// UpdateServerInfo runs 'git update-server-info', refreshing the
// static files the dumb HTTP transfer protocol reads (spec.md §4.6's
// proxy sits in front of exactly this).
func (r *Repo) UpdateServerInfo() error {
	if out, err := r.git("update-server-info").CombinedOutput(); err != nil {
		return fmt.Errorf("repo: update-server-info: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Remotes lists configured git remotes.
func (r *Repo) Remotes() ([]string, error) {
	out, err := r.git("remote").Output()
	if err != nil {
		return nil, fmt.Errorf("repo: git remote: %w", err)
	}
	var remotes []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			remotes = append(remotes, line)
		}
	}
	return remotes, nil
}

// AddRemote adds a remote named "p2p-<name>" pointing at a p2p:// URL,
// if it does not already exist. The URL itself is never dereferenced
// by git directly — fetches against it go through the loopback proxy
// (spec.md §4.6), not git's own transport layer.
func (r *Repo) AddRemote(name string) error {
	remotes, err := r.Remotes()
	if err != nil {
		return err
	}

	remoteName := "p2p-" + name
	for _, existing := range remotes {
		if existing == remoteName {
			return nil
		}
	}

	url := "p2p://" + remoteName
	if out, err := r.git("remote", "add", remoteName, url).CombinedOutput(); err != nil {
		return fmt.Errorf("repo: remote add %s: %w (%s)", remoteName, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Refs maps every ref (tags included) to the commit it points at.
func (r *Repo) Refs() (map[string]string, error) {
	out, err := r.git("show-ref").Output()
	if err != nil {
		// An empty repository with no refs yet exits non-zero; treat
		// that the same as "no refs" rather than an error.
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 && len(out) == 0 {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("repo: git show-ref: %w", err)
	}

	refs := make(map[string]string)
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		refs[fields[1]] = fields[0]
	}
	return refs, nil
}

// LocalRefs returns only refs/heads/* entries.
func (r *Repo) LocalRefs() (map[string]string, error) {
	all, err := r.Refs()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for ref, commit := range all {
		if strings.HasPrefix(ref, "refs/heads/") {
			out[ref] = commit
		}
	}
	return out, nil
}

// RefsSignature returns a deterministic string summarizing the local
// refs, so two calls can cheaply be compared to detect a ref change
// (spec.md §4.5, check_refs).
func (r *Repo) RefsSignature() (string, error) {
	local, err := r.LocalRefs()
	if err != nil {
		return "", err
	}

	entries := make([]string, 0, len(local))
	for ref, commit := range local {
		entries = append(entries, ref+":"+commit)
	}
	sort.Strings(entries)
	return strings.Join(entries, ":"), nil
}

var headRefRe = regexp.MustCompile(`^refs/heads/(\S+)$`)

// Branch returns the name of the current branch, or "" if HEAD is
// detached or unborn.
func (r *Repo) Branch() (string, error) {
	out, err := r.git("symbolic-ref", "HEAD").Output()
	if err != nil {
		return "", nil
	}
	m := headRefRe.FindStringSubmatch(strings.TrimSpace(string(out)))
	if m == nil {
		return "", nil
	}
	return m[1], nil
}

// CloneArgv builds the argv for cloning srcURL into dir as a fresh
// working directory. Run via internal/child so its output streams
// through the event loop like any other subprocess invocation
// (spec.md §4.4).
func CloneArgv(gitBinary, srcURL, dir string) []string {
	if gitBinary == "" {
		gitBinary = "git"
	}
	return []string{gitBinary, "clone", srcURL, dir}
}

// FetchArgv builds the argv for fetching a single remote into this
// repository (spec.md §4.5's fetch phase).
func (r *Repo) FetchArgv(remoteName string) []string {
	return []string{r.bin, "-C", r.Dir, "fetch", remoteName}
}

// MergeArgv builds the argv for a fast-forward-only merge of a
// tracking branch into the current branch (spec.md §4.5: p2p-git never
// creates merge commits of its own).
func (r *Repo) MergeArgv(remoteName, branch string) []string {
	return []string{r.bin, "-C", r.Dir, "merge", "--ff-only", remoteName + "/" + branch}
}
