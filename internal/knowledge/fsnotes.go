package knowledge

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fourvalet/valet/internal/domain"
)

const frontmatterDelim = "---"

var sectionHeaderRe = regexp.MustCompile(`(?m)^(#{1,6}\s.+)$`)

// fsNotes reads and writes a note's canonical Markdown+YAML-frontmatter
// file. The root directory is the addressable "notes root"; a note's path
// (spec.md §4.3 "Paths") is root-relative.
type fsNotes struct {
	root string
}

func newFSNotes(root string) *fsNotes {
	return &fsNotes{root: root}
}

func (f *fsNotes) absPath(folder, id string) string {
	if folder == "" {
		return filepath.Join(f.root, id+".md")
	}
	return filepath.Join(f.root, folder, id+".md")
}

// Write serializes a note to its canonical file, creating parent
// directories as needed. Overwrites whatever was there — the version log
// in Postgres, not the file, is the audit trail.
func (f *fsNotes) Write(n domain.Note) error {
	path := f.absPath(n.Folder, n.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create note directory: %w", err)
	}
	fm, err := yaml.Marshal(n.Frontmatter)
	if err != nil {
		return fmt.Errorf("failed to marshal frontmatter: %w", err)
	}
	content := frontmatterDelim + "\n" + string(fm) + frontmatterDelim + "\n\n" + n.Body() + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write note file: %w", err)
	}
	return nil
}

// Read parses a note's canonical file at the given folder/id.
func (f *fsNotes) Read(folder, id string) (domain.Note, error) {
	path := f.absPath(folder, id)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.Note{}, fmt.Errorf("%w: note %s", domain.ErrNotFound, id)
		}
		return domain.Note{}, fmt.Errorf("failed to read note file: %w", err)
	}

	fm, body, err := splitFrontmatter(string(raw))
	if err != nil {
		return domain.Note{}, err
	}

	var frontmatter domain.Frontmatter
	if err := yaml.Unmarshal([]byte(fm), &frontmatter); err != nil {
		return domain.Note{}, fmt.Errorf("failed to parse frontmatter for note %s: %w", id, err)
	}

	return domain.Note{
		ID:          id,
		Folder:      folder,
		Frontmatter: frontmatter,
		Sections:    splitSections(body),
	}, nil
}

// Remove deletes the note file (used only when relocating a note's folder;
// soft-delete never calls this).
func (f *fsNotes) Remove(folder, id string) error {
	return os.Remove(f.absPath(folder, id))
}

func splitFrontmatter(raw string) (frontmatter, body string, err error) {
	if !strings.HasPrefix(raw, frontmatterDelim) {
		return "", "", fmt.Errorf("note file missing frontmatter delimiter")
	}
	rest := raw[len(frontmatterDelim):]
	idx := strings.Index(rest, "\n"+frontmatterDelim)
	if idx < 0 {
		return "", "", fmt.Errorf("note file missing closing frontmatter delimiter")
	}
	frontmatter = strings.TrimPrefix(rest[:idx], "\n")
	body = strings.TrimPrefix(rest[idx+len("\n"+frontmatterDelim):], "\n")
	body = strings.TrimPrefix(body, "\n")
	return frontmatter, strings.TrimRight(body, "\n"), nil
}

// splitSections breaks a note body into header-delimited sections. Content
// before the first header becomes a section with an empty header.
func splitSections(body string) []domain.Section {
	if strings.TrimSpace(body) == "" {
		return nil
	}
	locs := sectionHeaderRe.FindAllStringIndex(body, -1)
	if len(locs) == 0 {
		return []domain.Section{{Body: strings.TrimSpace(body)}}
	}

	var sections []domain.Section
	if locs[0][0] > 0 {
		if pre := strings.TrimSpace(body[:locs[0][0]]); pre != "" {
			sections = append(sections, domain.Section{Body: pre})
		}
	}
	for i, loc := range locs {
		headerEnd := strings.Index(body[loc[0]:], "\n")
		var header, rest string
		if headerEnd < 0 {
			header = body[loc[0]:]
		} else {
			header = body[loc[0] : loc[0]+headerEnd]
			rest = body[loc[0]+headerEnd+1:]
		}
		end := len(body)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		sectionBody := rest
		if headerEnd >= 0 {
			sectionBody = body[loc[0]+headerEnd+1 : end]
		}
		sections = append(sections, domain.Section{
			Header: strings.TrimSpace(header),
			Body:   strings.TrimSpace(sectionBody),
		})
	}
	return sections
}
