// Package skills discovers SKILL.md files under the workspace skills
// directory and renders them for the system prompt.
package skills

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Skill is one discovered skill: a directory holding a SKILL.md with
// optional YAML frontmatter.
type Skill struct {
	Name        string
	Description string
	Location    string
	Always      bool
	Body        string
}

type frontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Always      bool   `yaml:"always"`
}

// Loader scans workspace/skills/*/SKILL.md.
type Loader struct {
	dir string
}

func NewLoader(workspace string) *Loader {
	return &Loader{dir: filepath.Join(workspace, "skills")}
}

// Load returns all discovered skills sorted by name. A missing skills
// directory yields an empty list.
func (l *Loader) Load() []Skill {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil
	}

	var out []Skill
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(l.dir, e.Name(), "SKILL.md")
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		skill := Skill{Name: e.Name(), Location: path}
		fm, body := splitFrontmatter(string(data))
		skill.Body = strings.TrimSpace(body)
		if fm != "" {
			var meta frontmatter
			if err := yaml.Unmarshal([]byte(fm), &meta); err != nil {
				slog.Warn("skill frontmatter parse failed", "skill", e.Name(), "error", err)
			} else {
				if meta.Name != "" {
					skill.Name = meta.Name
				}
				skill.Description = meta.Description
				skill.Always = meta.Always
			}
		}
		out = append(out, skill)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// splitFrontmatter separates a leading "---" YAML block from the body.
func splitFrontmatter(content string) (fm, body string) {
	if !strings.HasPrefix(content, "---\n") {
		return "", content
	}
	rest := content[4:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return "", content
	}
	fm = rest[:end]
	body = rest[end+4:]
	if i := strings.IndexByte(body, '\n'); i >= 0 {
		body = body[i+1:]
	} else {
		body = ""
	}
	return fm, body
}

// RenderActive renders the full bodies of always-on skills plus any
// explicitly requested by name.
func RenderActive(all []Skill, requested []string) string {
	want := make(map[string]bool, len(requested))
	for _, name := range requested {
		want[name] = true
	}

	var parts []string
	for _, s := range all {
		if s.Always || want[s.Name] {
			parts = append(parts, fmt.Sprintf("### Skill: %s\n\n%s", s.Name, s.Body))
		}
	}
	return strings.Join(parts, "\n\n")
}

// RenderSummary renders the XML availability listing of every skill.
func RenderSummary(all []Skill) string {
	if len(all) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("<skills>\n")
	for _, s := range all {
		available := "on-request"
		if s.Always {
			available = "always"
		}
		fmt.Fprintf(&sb, "  <skill available=%q><name>%s</name><description>%s</description><location>%s</location></skill>\n",
			available, s.Name, s.Description, s.Location)
	}
	sb.WriteString("</skills>")
	return sb.String()
}
