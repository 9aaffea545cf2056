package classifier

import (
	"fmt"
	"strings"

	"github.com/xaenox/wa-categorizer/internal/models"
)

const promptHeader = `You are a data categorizer. Given WhatsApp messages, propose 3-5 concise categories that together cover at least 95% of items.
Return STRICT JSON:
{
  "categories":[{"name":"..."}],
  "assignments":["CategoryName", "..."],  // one per message (same order)
  "coverage": 0.0-1.0
}
Messages:`

// BuildPrompt renders the categorization prompt for items, one "[index] text"
// line per message.
func BuildPrompt(items []models.Item) string {
	var b strings.Builder
	b.WriteString(promptHeader)
	for i, item := range items {
		fmt.Fprintf(&b, "\n[%d] %s", i, item.Text)
	}
	return strings.TrimSpace(b.String())
}
