package gitops

import (
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

// WorktreeRoot is the directory (relative to the project root) under which
// managed worktrees live.
const WorktreeRoot = ".openchamber"

// Runner executes a git command and returns its output. Swappable in tests.
type Runner func(workDir string, args ...string) (string, error)

func defaultRunner(workDir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = workDir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// Git shells out to the git binary for repository and worktree operations.
// All operations are best-effort collaborators; callers decide how much
// failure they tolerate.
type Git struct {
	Runner Runner
}

func New() *Git {
	return &Git{Runner: defaultRunner}
}

func (g *Git) run(workDir string, args ...string) (string, error) {
	runner := g.Runner
	if runner == nil {
		runner = defaultRunner
	}
	return runner(workDir, args...)
}

// IsRepository reports whether dir is inside a git work tree.
func (g *Git) IsRepository(dir string) bool {
	out, err := g.run(dir, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) == "true"
}

// Worktree describes one entry from `git worktree list`.
type Worktree struct {
	Path   string
	Branch string
	Head   string
}

// ListWorktrees parses `git worktree list --porcelain`. A missing repo yields
// an empty slice, not an error.
func (g *Git) ListWorktrees(dir string) ([]Worktree, error) {
	out, err := g.run(dir, "worktree", "list", "--porcelain")
	if err != nil {
		if isExitCode128(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("git worktree list: %w", err)
	}

	var trees []Worktree
	var cur Worktree
	flush := func() {
		if cur.Path != "" {
			trees = append(trees, cur)
		}
		cur = Worktree{}
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			flush()
			cur.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			cur.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	flush()
	return trees, nil
}

// CreateWorktree adds a worktree for a new branch under <dir>/.openchamber/<slug>.
// startPoint defaults to HEAD.
func (g *Git) CreateWorktree(dir, branch, slug, startPoint string) (string, error) {
	if strings.TrimSpace(branch) == "" || strings.TrimSpace(slug) == "" {
		return "", errors.New("missing branch or slug")
	}
	if strings.TrimSpace(startPoint) == "" {
		startPoint = "HEAD"
	}
	path := filepath.Join(dir, WorktreeRoot, slug)
	if _, err := g.run(dir, "worktree", "add", "-b", branch, path, startPoint); err != nil {
		return "", fmt.Errorf("git worktree add %s: %w", branch, err)
	}
	return path, nil
}

// ArchiveWorktree removes a worktree. A dirty tree forces the removal.
func (g *Git) ArchiveWorktree(projectDir, worktreePath string) error {
	_, err := g.run(projectDir, "worktree", "remove", worktreePath)
	if err == nil {
		return nil
	}
	if _, err := g.run(projectDir, "worktree", "remove", "--force", worktreePath); err != nil {
		return fmt.Errorf("git worktree remove: %w", err)
	}
	return nil
}

// Branches returns local branch names.
func (g *Git) Branches(dir string) ([]string, error) {
	out, err := g.run(dir, "branch", "--format", "%(refname:short)")
	if err != nil {
		return nil, fmt.Errorf("git branch: %w", err)
	}
	var branches []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			branches = append(branches, line)
		}
	}
	return branches, nil
}

// HasUncommittedChanges reports whether the worktree at dir is dirty.
func (g *Git) HasUncommittedChanges(dir string) bool {
	out, err := g.run(dir, "status", "--porcelain")
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) != ""
}

var slugInvalid = regexp.MustCompile(`[^a-z0-9._-]+`)

// Slugify turns an arbitrary label into a git-safe branch component.
func Slugify(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = slugInvalid.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-.")
	if s == "" {
		s = "run"
	}
	return s
}

func isExitCode128(err error) bool {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode() == 128
	}
	return false
}
