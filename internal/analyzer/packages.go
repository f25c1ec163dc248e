package analyzer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/mod/semver"
)

// Source and test file patterns relative to a package directory.
var (
	sourceGlobs = []string{"src/**/*.{ts,tsx,js,jsx}", "**/*.go"}
	testGlobs   = []string{"**/*.test.{ts,tsx,js,jsx}", "**/*_test.go"}

	// artifactDirs mark a package as built when present.
	artifactDirs = []string{"dist", "build"}
)

// manifest is the subset of a package manifest the analyzer reads.
type manifest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`
}

// analyzePackages finds every manifest matching the packages glob and scores
// each package. A failure reading one manifest skips that package only.
func (a *Analyzer) analyzePackages() ([]Package, error) {
	matches, err := doublestar.Glob(os.DirFS(a.root), a.pkgGlob)
	if err != nil {
		return nil, fmt.Errorf("failed to glob package manifests: %w", err)
	}
	sort.Strings(matches)

	var packages []Package
	for _, rel := range matches {
		if strings.Contains(rel, "node_modules") {
			continue
		}
		pkg, err := a.analyzePackage(rel)
		if err != nil {
			a.logger.Printf("WARNING: skipping package %s: %v", rel, err)
			continue
		}
		packages = append(packages, pkg)
	}
	return packages, nil
}

// analyzePackage reads one manifest and derives the package's status.
func (a *Analyzer) analyzePackage(manifestRel string) (Package, error) {
	path := filepath.Join(a.root, filepath.FromSlash(manifestRel))
	data, err := os.ReadFile(path)
	if err != nil {
		return Package{}, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Package{}, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if m.Name == "" {
		return Package{}, fmt.Errorf("manifest has no name")
	}
	if m.Description == "" {
		m.Description = "No description"
	}

	dir := filepath.Dir(path)
	pkg := Package{
		Name:        m.Name,
		Description: m.Description,
		Version:     canonicalVersion(m.Version),
		Path:        filepath.ToSlash(filepath.Dir(manifestRel)),
		Status:      a.scorePackage(dir),
	}
	return pkg, nil
}

// scorePackage runs the four independent 25-point readiness checks:
// build artifact present, at least one test file, no TODO/FIXME markers
// in source, and a README. 75+ is complete, 50+ is in-progress.
func (a *Analyzer) scorePackage(dir string) Status {
	score := 0

	if hasArtifact(dir) {
		score += 25
	}
	if len(findFiles(dir, testGlobs)) > 0 {
		score += 25
	}
	if srcFiles := findFiles(dir, sourceGlobs); len(srcFiles) > 0 && !anyHasMarker(srcFiles) {
		score += 25
	}
	if fileExists(filepath.Join(dir, "README.md")) {
		score += 25
	}

	switch {
	case score >= 75:
		return StatusComplete
	case score >= 50:
		return StatusInProgress
	default:
		return StatusPending
	}
}

// hasArtifact reports whether the package has a build output directory.
func hasArtifact(dir string) bool {
	for _, name := range artifactDirs {
		info, err := os.Stat(filepath.Join(dir, name))
		if err == nil && info.IsDir() {
			return true
		}
	}
	return false
}

// findFiles returns package-relative paths matching any of the globs,
// excluding anything under node_modules.
func findFiles(dir string, globs []string) []string {
	var files []string
	fsys := os.DirFS(dir)
	for _, glob := range globs {
		matches, err := doublestar.Glob(fsys, glob)
		if err != nil {
			continue
		}
		for _, m := range matches {
			if strings.Contains(m, "node_modules") {
				continue
			}
			files = append(files, filepath.Join(dir, filepath.FromSlash(m)))
		}
	}
	sort.Strings(files)
	return files
}

// anyHasMarker reports whether any file contains a TODO or FIXME marker.
func anyHasMarker(files []string) bool {
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			continue
		}
		if markerRe.Match(data) {
			return true
		}
	}
	return false
}

// fileExists reports whether path exists and is a regular file.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// canonicalVersion normalizes a semver-valid manifest version and returns
// anything else verbatim.
func canonicalVersion(v string) string {
	if v == "" {
		return ""
	}
	if semver.IsValid("v" + v) {
		return strings.TrimPrefix(semver.Canonical("v"+v), "v")
	}
	return v
}

// analyzeCoverage computes the share of packages that carry tests.
func (a *Analyzer) analyzeCoverage(packages []Package) Coverage {
	cov := Coverage{TotalPackages: len(packages)}
	for _, pkg := range packages {
		dir := filepath.Join(a.root, filepath.FromSlash(pkg.Path))
		tests := findFiles(dir, testGlobs)
		if len(tests) > 0 {
			cov.PackagesWithTests++
			cov.TotalTests += len(tests)
		}
	}
	if cov.TotalPackages > 0 {
		cov.Coverage = roundPercent(cov.PackagesWithTests, cov.TotalPackages)
	}
	return cov
}

// roundPercent returns round(100*num/den). Callers guarantee den > 0.
func roundPercent(num, den int) int {
	return int(float64(num)/float64(den)*100 + 0.5)
}
