package analyzer

import (
	"bufio"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// markerRe matches TODO:/FIXME: lines. The marker word is captured so the
// type can be normalized; the message is everything after the colon.
var markerRe = regexp.MustCompile(`(?i)(TODO|FIXME):\s*(.+)`)

// analyzeTodos scans every source file of every package for TODO/FIXME
// markers. Each match is recorded; there is no dedup and no cap. A failure
// reading one file skips that file only.
func (a *Analyzer) analyzeTodos(packages []Package) []Todo {
	var todos []Todo
	for _, pkg := range packages {
		dir := filepath.Join(a.root, filepath.FromSlash(pkg.Path))
		for _, file := range findFiles(dir, sourceGlobs) {
			found, err := scanFileForTodos(file, a.root)
			if err != nil {
				a.logger.Printf("WARNING: skipping todo scan of %s: %v", file, err)
				continue
			}
			todos = append(todos, found...)
		}
	}
	return todos
}

// scanFileForTodos returns every marker match in one file, with paths
// recorded relative to the project root.
func scanFileForTodos(path, root string) ([]Todo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = path
	}
	rel = filepath.ToSlash(rel)

	var todos []Todo
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		m := markerRe.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		typ := TodoTypeTodo
		if strings.EqualFold(m[1], "FIXME") {
			typ = TodoTypeFixme
		}
		todos = append(todos, Todo{
			Type:    typ,
			Message: strings.TrimSpace(m[2]),
			File:    rel,
			Line:    lineNo,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return todos, nil
}
