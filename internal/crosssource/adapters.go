package crosssource

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// RecordSource is the narrow read surface an archive/mail/calendar/chat
// adapter needs over whatever already-normalized store backs it. It is
// deliberately tiny: these adapters search PerceivedEvents that C1 already
// normalized, not raw provider APIs.
type RecordSource interface {
	// Search returns up to maxResults records matching query, newest first.
	Search(ctx context.Context, query string, maxResults int, opts SearchOptions) ([]Result, error)
}

// RecordSourceFunc adapts a plain function to RecordSource.
type RecordSourceFunc func(ctx context.Context, query string, maxResults int, opts SearchOptions) ([]Result, error)

func (f RecordSourceFunc) Search(ctx context.Context, query string, maxResults int, opts SearchOptions) ([]Result, error) {
	return f(ctx, query, maxResults, opts)
}

// genericAdapter wraps a RecordSource with the SourceAdapter contract:
// a name, an availability probe, and cooperative timeout honoring (the
// underlying ctx already carries the per-adapter deadline from Engine.Search).
type genericAdapter struct {
	name      string
	available func(ctx context.Context) bool
	source    RecordSource
}

func (a *genericAdapter) SourceName() string { return a.name }

func (a *genericAdapter) IsAvailable(ctx context.Context) bool {
	if a.available == nil {
		return true
	}
	return a.available(ctx)
}

func (a *genericAdapter) Search(ctx context.Context, query string, maxResults int, opts SearchOptions) ([]Result, error) {
	return a.source.Search(ctx, query, maxResults, opts)
}

// NewArchiveAdapter builds the archive/mail adapter: full-text across
// subject, body, and sender, unbounded date range (spec.md §4.5).
func NewArchiveAdapter(source RecordSource, available func(ctx context.Context) bool) SourceAdapter {
	return &genericAdapter{name: "archive", available: available, source: source}
}

// NewMailAdapter builds a dedicated mail adapter over the same contract as
// archive, kept as a distinct source name so SourceWeight and
// sources_failed can distinguish the two stores.
func NewMailAdapter(source RecordSource, available func(ctx context.Context) bool) SourceAdapter {
	return &genericAdapter{name: "mail", available: available, source: source}
}

// calendarWindow bounds calendar search to [-365d, +90d] from spec.md §4.5.
const (
	calendarPastWindow   = -365 * 24 * time.Hour
	calendarFutureWindow = 90 * 24 * time.Hour
)

// NewCalendarAdapter wraps a RecordSource, clamping results to the
// [-365d, +90d] window the spec requires before they ever reach scoring.
func NewCalendarAdapter(source RecordSource, available func(ctx context.Context) bool) SourceAdapter {
	clamped := RecordSourceFunc(func(ctx context.Context, query string, maxResults int, opts SearchOptions) ([]Result, error) {
		results, err := source.Search(ctx, query, maxResults, opts)
		if err != nil {
			return nil, err
		}
		now := time.Now()
		lo, hi := now.Add(calendarPastWindow), now.Add(calendarFutureWindow)
		out := results[:0]
		for _, r := range results {
			if r.OccurredAt.Before(lo) || r.OccurredAt.After(hi) {
				continue
			}
			out = append(out, r)
		}
		return out, nil
	})
	return &genericAdapter{name: "calendar", available: available, source: clamped}
}

// NewChatAdapter wraps a RecordSource of 1:1 and channel messages,
// filterable by SearchOptions.ChatName (spec.md §4.5).
func NewChatAdapter(source RecordSource, available func(ctx context.Context) bool) SourceAdapter {
	return &genericAdapter{name: "chat", available: available, source: source}
}

// Default local-file constraints from spec.md §4.5.
const maxLocalFileBytes = 10 << 20 // 10 MB

// DefaultExclusionPatterns are path substrings the local-file adapter
// refuses to read or list, regardless of caller-supplied roots: credential
// paths, key material, and build caches.
var DefaultExclusionPatterns = []string{
	".ssh/", ".aws/", ".gnupg/",
	"id_rsa", "id_ed25519", ".pem", ".key",
	"node_modules/", ".git/", "vendor/", "dist/", "build/",
}

// LocalFileAdapter is the local-file search adapter: ripgrep over allowed
// roots with an exclusion list and a per-file size cap. Grounded on the
// teacher's pkg/mcp/transport.go exec.Command pattern, generalized from
// "launch an MCP server subprocess" to "shell out to ripgrep".
type LocalFileAdapter struct {
	Roots      []string
	Exclusions []string
	RipgrepBin string // defaults to "rg"
}

// NewLocalFileAdapter builds a LocalFileAdapter over the given allowed
// roots, applying DefaultExclusionPatterns in addition to any caller extras.
func NewLocalFileAdapter(roots []string, extraExclusions ...string) *LocalFileAdapter {
	exclusions := append(append([]string{}, DefaultExclusionPatterns...), extraExclusions...)
	return &LocalFileAdapter{Roots: roots, Exclusions: exclusions, RipgrepBin: "rg"}
}

func (a *LocalFileAdapter) SourceName() string { return "local_file" }

func (a *LocalFileAdapter) IsAvailable(ctx context.Context) bool {
	bin := a.RipgrepBin
	if bin == "" {
		bin = "rg"
	}
	_, err := exec.LookPath(bin)
	return err == nil && len(a.Roots) > 0
}

func (a *LocalFileAdapter) Search(ctx context.Context, query string, maxResults int, opts SearchOptions) ([]Result, error) {
	bin := a.RipgrepBin
	if bin == "" {
		bin = "rg"
	}

	roots := a.Roots
	if opts.FolderPath != "" && len(a.Roots) > 0 {
		roots = []string{filepath.Join(a.Roots[0], opts.FolderPath)}
	}

	args := []string{"--json", "--max-count", "1", "--no-messages", query}
	args = append(args, roots...)

	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = nil
	if err := cmd.Run(); err != nil {
		// ripgrep exits 1 for "no matches", which is not an adapter failure.
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		return nil, err
	}

	var results []Result
	scanner := bufio.NewScanner(&stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	seen := make(map[string]bool)
	for scanner.Scan() {
		if len(results) >= maxResults {
			break
		}
		path, snippet, ok := parseRipgrepMatchLine(scanner.Text())
		if !ok || seen[path] || a.isExcluded(path) || a.exceedsSizeCap(path) {
			continue
		}
		seen[path] = true
		info, statErr := os.Stat(path)
		occurredAt := time.Now()
		if statErr == nil {
			occurredAt = info.ModTime()
		}
		results = append(results, Result{
			Source:     "local_file",
			Identifier: path,
			Title:      filepath.Base(path),
			Snippet:    snippet,
			OccurredAt: occurredAt,
			Relevance:  0.75,
		})
	}
	return results, nil
}

func (a *LocalFileAdapter) isExcluded(path string) bool {
	for _, pattern := range a.Exclusions {
		if strings.Contains(path, pattern) {
			return true
		}
	}
	return false
}

func (a *LocalFileAdapter) exceedsSizeCap(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Size() > maxLocalFileBytes
}

// parseRipgrepMatchLine pulls the file path and matched line text out of a
// `rg --json` "match" record without a full JSON decode, since only those
// two fields are needed and the schema's other fields vary by rg version.
func parseRipgrepMatchLine(line string) (path, snippet string, ok bool) {
	if !strings.Contains(line, `"type":"match"`) {
		return "", "", false
	}
	path = extractJSONStringField(line, `"path":{"text":"`)
	snippet = extractJSONStringField(line, `"lines":{"text":"`)
	if path == "" {
		return "", "", false
	}
	return path, strings.TrimRight(snippet, "\\n"), true
}

func extractJSONStringField(line, marker string) string {
	idx := strings.Index(line, marker)
	if idx < 0 {
		return ""
	}
	rest := line[idx+len(marker):]
	end := strings.IndexByte(rest, '"')
	for end > 0 && rest[end-1] == '\\' {
		next := strings.IndexByte(rest[end+1:], '"')
		if next < 0 {
			return rest
		}
		end = end + 1 + next
	}
	if end < 0 {
		return rest
	}
	return rest[:end]
}

// WebAdapter is the explicit-opt-in web search adapter. Results are never
// written to disk by this adapter or its callers (spec.md §4.5); it only
// ever returns them in-memory for the duration of one Search call.
type WebAdapter struct {
	Search_ func(ctx context.Context, query string, maxResults int) ([]Result, error)
}

// NewWebAdapter wraps a caller-supplied search function (typically a thin
// HTTP client over a search API) as a SourceAdapter.
func NewWebAdapter(searchFn func(ctx context.Context, query string, maxResults int) ([]Result, error)) *WebAdapter {
	return &WebAdapter{Search_: searchFn}
}

func (a *WebAdapter) SourceName() string { return "web" }

func (a *WebAdapter) IsAvailable(ctx context.Context) bool { return a.Search_ != nil }

func (a *WebAdapter) Search(ctx context.Context, query string, maxResults int, _ SearchOptions) ([]Result, error) {
	if a.Search_ == nil {
		return nil, nil
	}
	results, err := a.Search_(ctx, query, maxResults)
	if err != nil {
		return nil, err
	}
	for i := range results {
		results[i].Source = "web"
	}
	return results, nil
}
