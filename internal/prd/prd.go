// Package prd parses product-requirements documents (markdown with YAML
// front-matter, or JSON) into the fields the supervisor consumes.
package prd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	v1 "github.com/ralphdev/ralph/pkg/api/v1"
)

// Document is the parsed form of one PRD file.
type Document struct {
	Path         string
	ID           string
	BranchName   string
	Description  string
	Status       string
	Priority     v1.Priority
	Dependencies []string
	UserStories  []Story
}

// Story is one user story declared by a PRD.
type Story struct {
	StoryID            string
	Title              string
	Description        string
	AcceptanceCriteria []string
	Priority           v1.Priority
}

// Completed reports whether the PRD declares itself done in front-matter.
func (d *Document) Completed() bool {
	s := strings.ToLower(strings.TrimSpace(d.Status))
	return s == "completed" || s == "complete" || s == "done"
}

// Matches reports whether the dependency identifier refers to this PRD,
// by filename stem, front-matter branch, or front-matter id.
func (d *Document) Matches(dep string) bool {
	if dep == "" {
		return false
	}
	stem := strings.TrimSuffix(filepath.Base(d.Path), filepath.Ext(d.Path))
	return dep == stem || dep == d.BranchName || dep == d.ID
}

// frontMatter holds the honored front-matter keys.
type frontMatter struct {
	ID           string   `yaml:"id" json:"id"`
	Branch       string   `yaml:"branch" json:"branch"`
	BranchName   string   `yaml:"branchName" json:"branchName"`
	Status       string   `yaml:"status" json:"status"`
	Priority     string   `yaml:"priority" json:"priority"`
	Dependencies []string `yaml:"dependencies" json:"dependencies"`
}

// jsonPRD is the shape of a JSON PRD file.
type jsonPRD struct {
	frontMatter
	Description string `json:"description"`
	UserStories []struct {
		ID                 string   `json:"id"`
		Title              string   `json:"title"`
		Description        string   `json:"description"`
		AcceptanceCriteria []string `json:"acceptanceCriteria"`
		Priority           string   `json:"priority"`
	} `json:"userStories"`
}

// ParseFile parses a PRD from a markdown or JSON file.
func ParseFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read PRD %s: %w", path, err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return parseJSON(path, data)
	}
	return parseMarkdown(path, data)
}

func parseJSON(path string, data []byte) (*Document, error) {
	var raw jsonPRD
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse JSON PRD %s: %w", path, err)
	}
	doc := &Document{
		Path:         path,
		ID:           raw.ID,
		BranchName:   firstNonEmpty(raw.Branch, raw.BranchName),
		Description:  raw.Description,
		Status:       raw.Status,
		Priority:     v1.NormalizePriority(v1.Priority(raw.Priority)),
		Dependencies: raw.Dependencies,
	}
	for _, s := range raw.UserStories {
		doc.UserStories = append(doc.UserStories, Story{
			StoryID:            s.ID,
			Title:              s.Title,
			Description:        s.Description,
			AcceptanceCriteria: s.AcceptanceCriteria,
			Priority:           v1.NormalizePriority(v1.Priority(s.Priority)),
		})
	}
	if doc.BranchName == "" {
		doc.BranchName = defaultBranchName(path)
	}
	return doc, nil
}

var (
	storyHeading = regexp.MustCompile(`^#{2,4}\s+(?:Story\s+)?(US[-_]?\w+|S\d+)?\s*[:.]?\s*(.+)$`)
	checkItem    = regexp.MustCompile(`^\s*[-*]\s*(?:\[[ xX]\]\s*)?(.+)$`)
)

func parseMarkdown(path string, data []byte) (*Document, error) {
	body := string(data)
	doc := &Document{Path: path, Priority: v1.PriorityP1}

	// Front-matter delimited by --- lines at the top of the file.
	if strings.HasPrefix(body, "---") {
		rest := body[3:]
		if idx := strings.Index(rest, "\n---"); idx >= 0 {
			var fm frontMatter
			if err := yaml.Unmarshal([]byte(rest[:idx]), &fm); err != nil {
				return nil, fmt.Errorf("failed to parse front-matter of %s: %w", path, err)
			}
			doc.ID = fm.ID
			doc.BranchName = firstNonEmpty(fm.Branch, fm.BranchName)
			doc.Status = fm.Status
			doc.Priority = v1.NormalizePriority(v1.Priority(fm.Priority))
			doc.Dependencies = fm.Dependencies
			body = rest[idx+4:]
		}
	}

	parseMarkdownBody(doc, body)

	if doc.BranchName == "" {
		doc.BranchName = defaultBranchName(path)
	}
	return doc, nil
}

// parseMarkdownBody extracts the description (first paragraph after the
// title) and user stories (sub-headings with acceptance-criteria bullets).
func parseMarkdownBody(doc *Document, body string) {
	lines := strings.Split(body, "\n")
	var current *Story
	var descLines []string
	descDone := false

	flush := func() {
		if current != nil {
			doc.UserStories = append(doc.UserStories, *current)
			current = nil
		}
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if m := storyHeading.FindStringSubmatch(trimmed); m != nil && strings.HasPrefix(trimmed, "#") {
			flush()
			descDone = true
			id := m[1]
			if id == "" {
				id = fmt.Sprintf("US-%d", len(doc.UserStories)+1)
			}
			current = &Story{StoryID: id, Title: strings.TrimSpace(m[2]), Priority: doc.Priority}
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			// Top-level heading: ends the description block.
			if len(descLines) > 0 {
				descDone = true
			}
			continue
		}
		if current != nil {
			if m := checkItem.FindStringSubmatch(line); m != nil {
				current.AcceptanceCriteria = append(current.AcceptanceCriteria, strings.TrimSpace(m[1]))
			} else if trimmed != "" && len(current.AcceptanceCriteria) == 0 {
				if current.Description != "" {
					current.Description += " "
				}
				current.Description += trimmed
			}
			continue
		}
		if !descDone && trimmed != "" {
			descLines = append(descLines, trimmed)
		} else if len(descLines) > 0 {
			descDone = true
		}
	}
	flush()
	doc.Description = strings.Join(descLines, " ")
}

// ResolveDependency locates the PRD a dependency identifier refers to,
// searching siblings of the dependent PRD and the tasks/ directories of the
// PRD and the project root. Returns nil when nothing matches.
func ResolveDependency(dep, prdPath, projectRoot string) *Document {
	var dirs []string
	if prdPath != "" {
		dir := filepath.Dir(prdPath)
		dirs = append(dirs, dir, filepath.Join(dir, "tasks"))
	}
	if projectRoot != "" {
		dirs = append(dirs, filepath.Join(projectRoot, "tasks"), projectRoot)
	}

	// Direct filename candidates first.
	for _, dir := range dirs {
		for _, ext := range []string{".md", ".json"} {
			candidate := filepath.Join(dir, slugify(dep)+ext)
			if _, err := os.Stat(candidate); err != nil {
				continue
			}
			if doc, err := ParseFile(candidate); err == nil {
				return doc
			}
		}
	}

	// Fall back to scanning front-matter of siblings.
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			ext := strings.ToLower(filepath.Ext(entry.Name()))
			if ext != ".md" && ext != ".json" {
				continue
			}
			doc, err := ParseFile(filepath.Join(dir, entry.Name()))
			if err != nil {
				continue
			}
			if doc.Matches(dep) {
				return doc
			}
		}
	}
	return nil
}

// defaultBranchName derives a branch name from the PRD filename.
func defaultBranchName(path string) string {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return "ralph/" + slugify(stem)
}

var slugUnsafe = regexp.MustCompile(`[^a-z0-9/_-]+`)

func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, " ", "-")
	return slugUnsafe.ReplaceAllString(s, "")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
