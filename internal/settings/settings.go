package settings

import (
	"fmt"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"review-worker/internal/ai"
	"review-worker/internal/models"
)

// FileName is the per-repository settings file read from the default branch.
const FileName = ".reviewbot.yml"

// Mode selects how reviewer agents are dispatched.
type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeParallel   Mode = "parallel"
)

// RepositorySettings models .reviewbot.yml. Unset fields inherit defaults.
type RepositorySettings struct {
	Enabled             *bool    `yaml:"enabled"`
	SeverityThreshold   string   `yaml:"severity_threshold"`
	Exclude             []string `yaml:"exclude"`
	PreferredModel      string   `yaml:"preferred_model"`
	ExecutionMode       string   `yaml:"execution_mode"`
	VerifyComments      *bool    `yaml:"verify_comments"`
	GenerateDescription *bool    `yaml:"generate_description"`
	MaxComments         int      `yaml:"max_comments"`
}

// Resolved is the immutable per-job view of settings: defaults merged with
// repository overrides.
type Resolved struct {
	Enabled             bool
	SeverityThreshold   models.Severity
	Exclude             []string
	PreferredModel      string
	Mode                Mode
	VerifyComments      bool
	GenerateDescription bool
	MaxComments         int
}

// Defaults are applied when a repository has no settings file.
func Defaults(preferredModel string, maxComments int) Resolved {
	return Resolved{
		Enabled:             true,
		SeverityThreshold:   models.SeverityLow,
		PreferredModel:      preferredModel,
		Mode:                ModeParallel,
		VerifyComments:      false,
		GenerateDescription: true,
		MaxComments:         maxComments,
	}
}

// Parse decodes and validates a settings file.
func Parse(data []byte) (RepositorySettings, error) {
	var s RepositorySettings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return RepositorySettings{}, fmt.Errorf("invalid %s: %w", FileName, err)
	}
	if err := s.Validate(); err != nil {
		return RepositorySettings{}, err
	}
	return s, nil
}

// Validate rejects values that cannot be resolved.
func (s RepositorySettings) Validate() error {
	switch strings.ToUpper(s.SeverityThreshold) {
	case "", "CRITICAL", "HIGH", "WARNING", "MEDIUM", "INFO", "LOW":
	default:
		return fmt.Errorf("unknown severity_threshold %q", s.SeverityThreshold)
	}
	switch Mode(s.ExecutionMode) {
	case "", ModeSequential, ModeParallel:
	default:
		return fmt.Errorf("unknown execution_mode %q", s.ExecutionMode)
	}
	if s.PreferredModel != "" {
		if _, ok := ai.LookupModel(s.PreferredModel); !ok {
			return fmt.Errorf("unknown preferred_model %q", s.PreferredModel)
		}
	}
	for _, pattern := range s.Exclude {
		if _, err := path.Match(strings.ReplaceAll(pattern, "**", "*"), ""); err != nil {
			return fmt.Errorf("bad exclude pattern %q: %w", pattern, err)
		}
	}
	if s.MaxComments < 0 {
		return fmt.Errorf("max_comments must not be negative")
	}
	return nil
}

// Resolve merges overrides onto defaults.
func Resolve(defaults Resolved, s RepositorySettings) Resolved {
	r := defaults
	r.Exclude = append([]string(nil), defaults.Exclude...)
	if s.Enabled != nil {
		r.Enabled = *s.Enabled
	}
	if s.SeverityThreshold != "" {
		r.SeverityThreshold = models.ParseSeverity(s.SeverityThreshold)
	}
	r.Exclude = append(r.Exclude, s.Exclude...)
	if s.PreferredModel != "" {
		r.PreferredModel = s.PreferredModel
	}
	if s.ExecutionMode != "" {
		r.Mode = Mode(s.ExecutionMode)
	}
	if s.VerifyComments != nil {
		r.VerifyComments = *s.VerifyComments
	}
	if s.GenerateDescription != nil {
		r.GenerateDescription = *s.GenerateDescription
	}
	if s.MaxComments > 0 && (r.MaxComments == 0 || s.MaxComments < r.MaxComments) {
		r.MaxComments = s.MaxComments
	}
	return r
}

// Excluded reports whether file matches any exclude glob. A pattern may
// start with "**/" to match at any depth, and a pattern without a slash
// matches the base name.
func (r Resolved) Excluded(file string) bool {
	for _, pattern := range r.Exclude {
		if matchGlob(pattern, file) {
			return true
		}
	}
	return false
}

func matchGlob(pattern, file string) bool {
	if strings.HasSuffix(pattern, "/**") {
		prefix := strings.TrimSuffix(pattern, "/**")
		if strings.HasPrefix(file, prefix+"/") {
			return true
		}
	}
	if rest, ok := strings.CutPrefix(pattern, "**/"); ok {
		if matchGlob(rest, file) {
			return true
		}
		parts := strings.Split(file, "/")
		for i := 1; i < len(parts); i++ {
			if matchGlob(rest, strings.Join(parts[i:], "/")) {
				return true
			}
		}
		return false
	}
	if ok, _ := path.Match(pattern, file); ok {
		return true
	}
	if !strings.Contains(pattern, "/") {
		ok, _ := path.Match(pattern, path.Base(file))
		return ok
	}
	return false
}

// FilterDiffs drops diffs for excluded paths.
func (r Resolved) FilterDiffs(diffs []models.FileDiff) []models.FileDiff {
	out := make([]models.FileDiff, 0, len(diffs))
	for _, d := range diffs {
		if !r.Excluded(d.Filename) {
			out = append(out, d)
		}
	}
	return out
}

// FilterComments drops comments below the severity threshold.
func (r Resolved) FilterComments(comments []models.ReviewComment) []models.ReviewComment {
	out := make([]models.ReviewComment, 0, len(comments))
	for _, c := range comments {
		if c.Severity.AtLeast(r.SeverityThreshold) {
			out = append(out, c)
		}
	}
	return out
}
