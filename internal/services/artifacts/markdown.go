// Package artifacts assembles and publishes the deliverables of a finished
// job: result.md, annotation.json, an HTML rendering, per-block crop PDFs
// and the result.zip bundle.
package artifacts

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ternarybob/inkwell/internal/models"
)

// RenderMarkdown lays the recognized blocks out as a single markdown
// document: pages in order, blocks top to bottom within each page. Text and
// table blocks appear verbatim; image blocks get a heading, their
// description and a relative reference to the published crop.
func RenderMarkdown(doc *models.AnnotationDocument) string {
	byPage := make(map[int][]models.Block)
	for _, b := range doc.Blocks {
		byPage[b.PageIndex] = append(byPage[b.PageIndex], b)
	}
	pages := make([]int, 0, len(byPage))
	for page := range byPage {
		pages = append(pages, page)
	}
	sort.Ints(pages)

	var out strings.Builder
	if doc.DocumentName != "" {
		fmt.Fprintf(&out, "# %s\n\n", doc.DocumentName)
	}

	for _, page := range pages {
		blocks := byPage[page]
		sort.SliceStable(blocks, func(i, j int) bool {
			if blocks[i].Coords.Y0 != blocks[j].Coords.Y0 {
				return blocks[i].Coords.Y0 < blocks[j].Coords.Y0
			}
			return blocks[i].Coords.X0 < blocks[j].Coords.X0
		})

		for _, b := range blocks {
			renderBlock(&out, b)
		}
	}
	return strings.TrimRight(out.String(), "\n") + "\n"
}

func renderBlock(out *strings.Builder, b models.Block) {
	text := ""
	if b.OCRText != nil {
		text = strings.TrimSpace(*b.OCRText)
	}

	switch b.Type {
	case models.BlockTypeImage, models.BlockTypeStamp:
		fmt.Fprintf(out, "### %s %s\n\n", strings.ToUpper(string(b.Type)[:1])+string(b.Type)[1:], b.ID)
		if text != "" {
			out.WriteString(text + "\n\n")
		}
		fmt.Fprintf(out, "![%s](crops/%s.pdf)\n\n", b.ID, b.ID)
	default:
		if text == "" {
			fmt.Fprintf(out, "*[unrecognized block %s]*\n\n", b.ID)
			return
		}
		out.WriteString(text + "\n\n")
	}
}
