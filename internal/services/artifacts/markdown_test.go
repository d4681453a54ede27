package artifacts

import (
	"archive/zip"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/inkwell/internal/models"
	"github.com/ternarybob/inkwell/internal/services/pipeline"
)

func ptr(s string) *string { return &s }

func TestRenderMarkdownPageAndVerticalOrder(t *testing.T) {
	doc := &models.AnnotationDocument{
		DocumentName: "contract.pdf",
		Blocks: []models.Block{
			// Deliberately out of order: page 1 before page 0, lower block first.
			{ID: "P1B1", Type: models.BlockTypeText, PageIndex: 1,
				Coords: models.Rectangle{Y0: 0.1, Y1: 0.2}, OCRText: ptr("page two text")},
			{ID: "P0B2", Type: models.BlockTypeText, PageIndex: 0,
				Coords: models.Rectangle{Y0: 0.6, Y1: 0.7}, OCRText: ptr("lower paragraph")},
			{ID: "P0B1", Type: models.BlockTypeText, PageIndex: 0,
				Coords: models.Rectangle{Y0: 0.1, Y1: 0.2}, OCRText: ptr("upper paragraph")},
		},
	}

	md := RenderMarkdown(doc)

	upper := strings.Index(md, "upper paragraph")
	lower := strings.Index(md, "lower paragraph")
	pageTwo := strings.Index(md, "page two text")
	require.True(t, upper >= 0 && lower >= 0 && pageTwo >= 0)
	assert.Less(t, upper, lower)
	assert.Less(t, lower, pageTwo)
	assert.True(t, strings.HasPrefix(md, "# contract.pdf"))
}

func TestRenderMarkdownImageBlock(t *testing.T) {
	doc := &models.AnnotationDocument{
		Blocks: []models.Block{
			{ID: "AAAA-AAAA-AAA", Type: models.BlockTypeImage, PageIndex: 0,
				Coords: models.Rectangle{Y1: 0.5}, OCRText: ptr("a blue company stamp")},
		},
	}

	md := RenderMarkdown(doc)
	assert.Contains(t, md, "### Image AAAA-AAAA-AAA")
	assert.Contains(t, md, "a blue company stamp")
	assert.Contains(t, md, "![AAAA-AAAA-AAA](crops/AAAA-AAAA-AAA.pdf)")
}

func TestRenderMarkdownFailedBlockGetsPlaceholder(t *testing.T) {
	doc := &models.AnnotationDocument{
		Blocks: []models.Block{
			{ID: "AAAA-AAAA-AAA", Type: models.BlockTypeText, PageIndex: 0,
				OCRStatus: models.OCRStatusFailed},
		},
	}

	md := RenderMarkdown(doc)
	assert.Contains(t, md, "*[unrecognized block AAAA-AAAA-AAA]*")
}

func TestApplyResults(t *testing.T) {
	doc := &models.AnnotationDocument{
		Blocks: []models.Block{
			{ID: "A", Type: models.BlockTypeText},
			{ID: "B", Type: models.BlockTypeText},
			{ID: "C", Type: models.BlockTypeImage},
		},
	}
	results := pipeline.ResultSet{
		"A": {Text: "alpha", Status: models.OCRStatusOK},
		"B": {Status: models.OCRStatusFailed, Error: "backend unavailable"},
		// C has no entry at all.
	}

	ApplyResults(doc, results)

	require.NotNil(t, doc.Blocks[0].OCRText)
	assert.Equal(t, "alpha", *doc.Blocks[0].OCRText)
	assert.Equal(t, models.OCRStatusOK, doc.Blocks[0].OCRStatus)

	assert.Nil(t, doc.Blocks[1].OCRText)
	assert.Equal(t, models.OCRStatusFailed, doc.Blocks[1].OCRStatus)

	assert.Nil(t, doc.Blocks[2].OCRText)
	assert.Equal(t, models.OCRStatusFailed, doc.Blocks[2].OCRStatus)
}

func TestBuildZipLayout(t *testing.T) {
	crops := []cropPDF{{name: "AAAA-AAAA-AAA.pdf", data: []byte("%PDF-fake")}}
	data, err := buildZip("# doc\n", []byte(`{"version":2}`), crops)
	require.NoError(t, err)

	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	names := make([]string, 0, len(reader.File))
	for _, f := range reader.File {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{"result.md", "annotation.json", "crops/AAAA-AAAA-AAA.pdf"}, names)
}
