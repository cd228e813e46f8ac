package codebase

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/gitsight/go-vcsurl"
	"github.com/google/go-github/v58/github"

	"github.com/daimoniac/bountyline/internal/errors"
	"github.com/daimoniac/bountyline/internal/resilience"
)

const githubHost = "github.com"

var languageExtensions = map[string][]string{
	"go":         {".go"},
	"python":     {".py"},
	"javascript": {".js", ".jsx", ".mjs", ".cjs"},
	"typescript": {".ts", ".tsx"},
	"java":       {".java"},
	"kotlin":     {".kt", ".kts"},
	"rust":       {".rs"},
	"ruby":       {".rb"},
	"php":        {".php"},
	"c":          {".c", ".h"},
	"cpp":        {".cc", ".cpp", ".cxx", ".hpp", ".hh", ".h"},
	"csharp":     {".cs"},
	"swift":      {".swift"},
	"scala":      {".scala"},
}

// GitHubProvider summarizes a GitHub repository from its metadata and file
// tree. Repositories hosted elsewhere yield an empty snapshot.
type GitHubProvider struct {
	client   *github.Client
	caller   *resilience.Caller
	maxFiles int
	logger   *slog.Logger
}

// NewGitHubProvider creates a provider. An empty token uses anonymous access.
func NewGitHubProvider(token string, maxFiles int, caller *resilience.Caller, logger *slog.Logger) *GitHubProvider {
	if logger == nil {
		logger = slog.Default()
	}
	if maxFiles <= 0 {
		maxFiles = 400
	}
	if caller == nil {
		caller = resilience.NewCaller("github", resilience.DefaultConfig(), logger)
	}

	client := github.NewClient(nil)
	if token != "" {
		client = client.WithAuthToken(token)
	}

	return &GitHubProvider{
		client:   client,
		caller:   caller,
		maxFiles: maxFiles,
		logger:   logger.With("component", "codebase"),
	}
}

// SetBaseURL points the client at another API endpoint (GitHub Enterprise or tests)
func (p *GitHubProvider) SetBaseURL(raw string) error {
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return errors.NewPermanentf("invalid github base url: %w", err)
	}
	p.client.BaseURL = u
	return nil
}

// Context implements Provider
func (p *GitHubProvider) Context(ctx context.Context, repositoryURL, language string) (Snapshot, error) {
	info, err := vcsurl.Parse(repositoryURL)
	if err != nil {
		p.logger.Debug("repository url not recognized, using empty context",
			"repository", repositoryURL,
			"error", err.Error())
		return Snapshot{}, nil
	}
	if !strings.EqualFold(fmt.Sprint(info.Host), githubHost) {
		p.logger.Debug("repository not hosted on github, using empty context",
			"repository", repositoryURL,
			"host", fmt.Sprint(info.Host))
		return Snapshot{}, nil
	}

	owner, name := info.Username, info.Name

	var repo *github.Repository
	err = p.caller.Do(ctx, "get repository", func(ctx context.Context) error {
		r, _, err := p.client.Repositories.Get(ctx, owner, name)
		if err != nil {
			return classifyGitHubError(err)
		}
		repo = r
		return nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("repository %s/%s: %w", owner, name, err)
	}

	ref := repo.GetDefaultBranch()

	var tree *github.Tree
	err = p.caller.Do(ctx, "get tree", func(ctx context.Context) error {
		t, _, err := p.client.Git.GetTree(ctx, owner, name, ref, true)
		if err != nil {
			return classifyGitHubError(err)
		}
		tree = t
		return nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("tree %s/%s@%s: %w", owner, name, ref, err)
	}

	text := p.summarize(repo, ref, tree, language)
	p.logger.Debug("built codebase context",
		"repository", info.FullName,
		"ref", ref,
		"tree_sha", tree.GetSHA(),
		"bytes", len(text))

	return Snapshot{Version: tree.GetSHA(), Text: text}, nil
}

func (p *GitHubProvider) summarize(repo *github.Repository, ref string, tree *github.Tree, language string) string {
	exts := languageExtensions[strings.ToLower(language)]

	var files []*github.TreeEntry
	dirs := make(map[string]int)
	total := 0
	for _, entry := range tree.Entries {
		if entry.GetType() != "blob" {
			continue
		}
		total++
		if len(exts) > 0 && !hasExtension(entry.GetPath(), exts) {
			continue
		}
		files = append(files, entry)
		dirs[topDir(entry.GetPath())]++
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Repository: %s (ref %s)\n", repo.GetFullName(), ref)
	if d := repo.GetDescription(); d != "" {
		fmt.Fprintf(&b, "Description: %s\n", d)
	}
	if l := repo.GetLanguage(); l != "" {
		fmt.Fprintf(&b, "Primary language: %s\n", l)
	}
	if tree.GetTruncated() {
		b.WriteString("Note: file tree truncated by the API\n")
	}

	dirNames := make([]string, 0, len(dirs))
	for d := range dirs {
		dirNames = append(dirNames, d)
	}
	sort.Strings(dirNames)
	b.WriteString("\nDirectories:\n")
	for _, d := range dirNames {
		fmt.Fprintf(&b, "  %s (%d files)\n", d, dirs[d])
	}

	shown := files
	if len(shown) > p.maxFiles {
		shown = shown[:p.maxFiles]
	}
	fmt.Fprintf(&b, "\nFiles (%d of %d relevant, %d total):\n", len(shown), len(files), total)
	for _, f := range shown {
		fmt.Fprintf(&b, "  %s (%d bytes)\n", f.GetPath(), f.GetSize())
	}

	return b.String()
}

func hasExtension(p string, exts []string) bool {
	ext := strings.ToLower(path.Ext(p))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}

func topDir(p string) string {
	if i := strings.IndexByte(p, '/'); i >= 0 {
		return p[:i] + "/"
	}
	return "."
}

func classifyGitHubError(err error) error {
	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	var respErr *github.ErrorResponse

	switch {
	case errors.As(err, &rateErr), errors.As(err, &abuseErr):
		return errors.NewTransientf("github rate limit: %w", err)
	case errors.As(err, &respErr) && respErr.Response != nil:
		code := respErr.Response.StatusCode
		switch {
		case code == http.StatusNotFound:
			return fmt.Errorf("%w: %v", errors.ErrNotFound, err)
		case code == http.StatusTooManyRequests || code >= http.StatusInternalServerError:
			return errors.NewTransientf("github status %d: %w", code, err)
		default:
			return errors.NewPermanentf("github status %d: %w", code, err)
		}
	}
	return err
}
