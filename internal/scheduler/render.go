package scheduler

import (
	"html"
	"strings"
	"time"

	"github.com/capsulejournal/capsuled/internal/capsule"
	"github.com/capsulejournal/capsuled/internal/models"
)

const dateFormat = "January 2, 2006 at 15:04 MST"

func renderStandalone(cap *models.Capsule, content string) string {
	var b strings.Builder
	b.WriteString("<p>A capsule you buried on ")
	b.WriteString(html.EscapeString(cap.CreatedAt.Format(dateFormat)))
	b.WriteString(" has been released:</p>")
	writeMessage(&b, content, cap.CreatedAt)
	return b.String()
}

// renderThread puts the newly released message on top and the conversation so
// far, oldest first, beneath it. Only the released capsule's ancestors are
// included: the chain may have grown past it since, and anything newer is
// still sealed from the recipient's point of view.
func renderThread(cap *models.Capsule, newestContent string, chain []capsule.CapsuleView) string {
	var b strings.Builder
	b.WriteString("<p>A capsule in one of your conversations has been released:</p>")
	writeMessage(&b, newestContent, cap.CreatedAt)

	// chain is newest first; locate the released capsule and keep what came
	// before it.
	start := len(chain)
	for i := range chain {
		if chain[i].ID == cap.ID {
			start = i + 1
			break
		}
	}
	if start < len(chain) {
		b.WriteString("<hr><p>The conversation so far:</p>")
		for i := len(chain) - 1; i >= start; i-- {
			writeMessage(&b, chain[i].Content, chain[i].CreatedAt)
		}
	}
	return b.String()
}

func writeMessage(b *strings.Builder, content string, createdAt time.Time) {
	b.WriteString("<blockquote><p>")
	b.WriteString(html.EscapeString(content))
	b.WriteString("</p><footer>buried ")
	b.WriteString(html.EscapeString(createdAt.Format(dateFormat)))
	b.WriteString("</footer></blockquote>")
}
