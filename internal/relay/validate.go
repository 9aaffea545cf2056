package relay

import (
	"strings"

	"github.com/xaenox/wa-categorizer/internal/models"
)

// consistent reports whether result assigns every sampled item to one of its
// own categories and claims a coverage within [0,1].
func consistent(result models.Result, sampled int) bool {
	if len(result.Assignments) != sampled || len(result.Categories) == 0 {
		return false
	}
	if result.Coverage < 0 || result.Coverage > 1 {
		return false
	}

	names := make(map[string]struct{}, len(result.Categories))
	for _, c := range result.Categories {
		names[c.Name] = struct{}{}
	}
	for _, a := range result.Assignments {
		if _, ok := names[a]; !ok {
			return false
		}
	}
	return true
}

func stripCodeFences(content string) string {
	s := strings.TrimSpace(content)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	// drop the language tag line, e.g. ```json
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
