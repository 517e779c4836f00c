package review

import (
	"fmt"
	"sort"
	"strings"

	"review-worker/internal/ai"
	"review-worker/internal/anchor"
	"review-worker/internal/models"
	"review-worker/internal/telemetry"
)

// Merge groups comments that point at the same code in the same file,
// keeps the most severe body as primary, appends materially different
// bodies as additional insights, averages confidence, then ranks by
// severity and confidence and caps the list at limit (0 means no cap).
// The result does not depend on the input order.
func Merge(comments []models.ReviewComment, limit int) []models.ReviewComment {
	groups := make(map[string][]models.ReviewComment)
	for _, c := range comments {
		key := c.Filename + "\x00" + anchor.Signature(c.Snippet)
		groups[key] = append(groups[key], c)
	}

	merged := make([]models.ReviewComment, 0, len(groups))
	for _, g := range groups {
		merged = append(merged, mergeGroup(g))
	}
	sort.Slice(merged, func(i, j int) bool { return ranksBefore(merged[i], merged[j]) })

	if limit > 0 && len(merged) > limit {
		telemetry.CommentsDropped.WithLabelValues("cap").Add(float64(len(merged) - limit))
		merged = merged[:limit]
	}
	return merged
}

// ranksBefore is a total order: severity, confidence, then stable text keys.
func ranksBefore(a, b models.ReviewComment) bool {
	if a.Severity.Rank() != b.Severity.Rank() {
		return a.Severity.Rank() > b.Severity.Rank()
	}
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if a.Filename != b.Filename {
		return a.Filename < b.Filename
	}
	if a.Snippet != b.Snippet {
		return a.Snippet < b.Snippet
	}
	if a.Agent != b.Agent {
		return a.Agent < b.Agent
	}
	return a.Body < b.Body
}

func mergeGroup(g []models.ReviewComment) models.ReviewComment {
	sort.Slice(g, func(i, j int) bool { return ranksBefore(g[i], g[j]) })
	primary := g[0]

	var sum float64
	agents := make(map[string]bool)
	for _, c := range g {
		sum += c.Confidence
		if c.Agent != "" {
			agents[c.Agent] = true
		}
	}
	primary.Confidence = sum / float64(len(g))

	seen := map[string]bool{bodyKey(primary.Body): true}
	var insights []string
	for _, c := range g[1:] {
		k := bodyKey(c.Body)
		if seen[k] {
			continue
		}
		seen[k] = true
		insights = append(insights, fmt.Sprintf("- **%s** (%s): %s", c.Severity, c.Agent, strings.TrimSpace(c.Body)))
	}
	if len(insights) > 0 {
		primary.Body = strings.TrimSpace(primary.Body) + "\n\n**Additional insights:**\n" + strings.Join(insights, "\n")
	}

	if primary.Suggestion == "" {
		for _, c := range g[1:] {
			if c.Suggestion != "" {
				primary.Suggestion = c.Suggestion
				break
			}
		}
	}
	primary.Suggestion = ai.StripCodeFence(primary.Suggestion)

	names := make([]string, 0, len(agents))
	for a := range agents {
		names = append(names, a)
	}
	sort.Strings(names)
	primary.Agent = strings.Join(names, ",")
	return primary
}

// bodyKey folds case and whitespace so reworded-identical bodies collapse.
func bodyKey(body string) string {
	return strings.Join(strings.Fields(strings.ToLower(body)), " ")
}
