package analyzer

import (
	"bufio"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// checkboxRe matches markdown task-list lines: "- [ ] ..." and "- [x] ...".
var checkboxRe = regexp.MustCompile(`(?i)^-\s*\[( |x)\]\s*(.*)`)

// planFrontmatter holds optional metadata at the top of a plan document.
// All fields are best-effort: missing or malformed frontmatter yields zeros.
type planFrontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// PlanTask is a single checkbox line parsed from a plan document.
// Tasks are pushed to the remote board individually by the reconciler.
type PlanTask struct {
	Title     string
	Completed bool
	Section   string
	PlanName  string
}

// analyzePlans reads every PLAN_*.md in the plans directory. A failure
// reading one plan skips that plan only.
func (a *Analyzer) analyzePlans() []Plan {
	dir := filepath.Join(a.root, a.plansDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			a.logger.Printf("WARNING: cannot read plans directory %s: %v", dir, err)
		}
		return nil
	}

	var plans []Plan
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "PLAN_") || !strings.HasSuffix(name, ".md") {
			continue
		}

		path := filepath.Join(dir, name)
		plan, err := a.analyzePlanFile(path)
		if err != nil {
			a.logger.Printf("WARNING: skipping plan %s: %v", name, err)
			continue
		}
		plans = append(plans, plan)
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].Name < plans[j].Name })
	return plans
}

// analyzePlanFile counts checkbox state for a single plan document.
func (a *Analyzer) analyzePlanFile(path string) (Plan, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, err
	}

	name := planNameFromFile(path)
	if fm := parsePlanFrontmatter(string(content)); fm.Name != "" {
		name = fm.Name
	}

	completed, total := 0, 0
	for _, line := range strings.Split(string(content), "\n") {
		m := checkboxRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		total++
		if strings.EqualFold(m[1], "x") {
			completed++
		}
	}

	progress := 0
	if total > 0 {
		progress = roundPercent(completed, total)
	}

	rel, err := filepath.Rel(a.root, path)
	if err != nil {
		rel = path
	}

	return Plan{
		Name:      name,
		File:      filepath.ToSlash(rel),
		Completed: completed,
		Total:     total,
		Progress:  progress,
	}, nil
}

// planNameFromFile strips the PLAN_ prefix and .md suffix.
func planNameFromFile(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, ".md")
	return strings.TrimPrefix(base, "PLAN_")
}

// parsePlanFrontmatter extracts YAML frontmatter delimited by "---" lines
// at the start of the document.
func parsePlanFrontmatter(content string) planFrontmatter {
	scanner := bufio.NewScanner(strings.NewReader(content))
	if !scanner.Scan() || strings.TrimSpace(scanner.Text()) != "---" {
		return planFrontmatter{}
	}

	var lines []string
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == "---" {
			break
		}
		lines = append(lines, scanner.Text())
	}
	if len(lines) == 0 {
		return planFrontmatter{}
	}

	var fm planFrontmatter
	_ = yaml.Unmarshal([]byte(strings.Join(lines, "\n")), &fm)
	return fm
}

// ParsePlanTasks extracts the individual checkbox tasks from a plan
// document, tracking the enclosing "##" section header. Lines shorter than
// four characters are noise and skipped.
func ParsePlanTasks(content, planName string) []PlanTask {
	var tasks []PlanTask
	section := ""

	for _, raw := range strings.Split(content, "\n") {
		line := strings.TrimSpace(raw)

		if strings.HasPrefix(line, "##") {
			section = strings.TrimSpace(strings.TrimLeft(line, "# "))
			continue
		}

		m := checkboxRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		title := strings.TrimSpace(m[2])
		if len(title) <= 3 {
			continue
		}
		tasks = append(tasks, PlanTask{
			Title:     title,
			Completed: strings.EqualFold(m[1], "x"),
			Section:   section,
			PlanName:  planName,
		})
	}
	return tasks
}
