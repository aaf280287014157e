package export

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nfrund/wsexport/internal/workspace"
)

// renderMarkdown flattens a page and its blocks into a markdown
// document. Unknown block types degrade to plain paragraphs so a new
// server-side type never breaks an export.
func renderMarkdown(page workspace.Page, blocks []workspace.Block) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", page.Title)

	for _, block := range blocks {
		b.WriteString("\n")
		switch block.Type {
		case "heading_1":
			fmt.Fprintf(&b, "# %s\n", block.Text)
		case "heading_2":
			fmt.Fprintf(&b, "## %s\n", block.Text)
		case "heading_3":
			fmt.Fprintf(&b, "### %s\n", block.Text)
		case "bulleted_list_item":
			fmt.Fprintf(&b, "- %s\n", block.Text)
		case "numbered_list_item":
			fmt.Fprintf(&b, "1. %s\n", block.Text)
		case "to_do":
			fmt.Fprintf(&b, "- [ ] %s\n", block.Text)
		case "quote":
			fmt.Fprintf(&b, "> %s\n", block.Text)
		case "code":
			fmt.Fprintf(&b, "```%s\n%s\n```\n", block.Language, block.Text)
		case "divider":
			b.WriteString("---\n")
		default:
			fmt.Fprintf(&b, "%s\n", block.Text)
		}
	}
	return []byte(b.String())
}

// renderJSON keeps the page and blocks as one structured document.
func renderJSON(page workspace.Page, blocks []workspace.Block) ([]byte, error) {
	doc := struct {
		Page   workspace.Page    `json:"page"`
		Blocks []workspace.Block `json:"blocks"`
	}{Page: page, Blocks: blocks}
	return json.MarshalIndent(doc, "", "  ")
}

// fileName derives a stable file name from the page. Titles feed the
// slug; the id disambiguates pages with equal titles.
func fileName(page workspace.Page, format Format) string {
	slug := slugify(page.Title)
	if slug == "" {
		slug = "untitled"
	}
	ext := ".md"
	if format == FormatJSON {
		ext = ".json"
	}
	return slug + "-" + shortID(page.ID) + ext
}

func slugify(title string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
