package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAnnotationDocument(t *testing.T) {
	data := []byte(`{
		"version": 2,
		"document_name": "report.pdf",
		"blocks": [
			{"id": "b1", "block_type": "text", "page_index": 0, "coords_norm": [0.1, 0.1, 0.9, 0.2], "coords_px": [100, 100, 900, 200], "shape_type": "rectangle", "ocr_text": null},
			{"id": "b2", "block_type": "image", "page_index": 1, "coords_norm": [0.2, 0.3, 0.6, 0.5], "shape_type": "polygon", "polygon_points": [[200, 300], [600, 300], [400, 500]], "category": "diagram", "group_id": "QQQQ-QQQQ-QQQ", "ocr_text": null}
		]
	}`)

	doc, err := ParseAnnotation(data)
	require.NoError(t, err)
	assert.Equal(t, 2, doc.Version)
	assert.Equal(t, "report.pdf", doc.DocumentName)
	require.Len(t, doc.Blocks, 2)
	assert.Equal(t, BlockTypeText, doc.Blocks[0].Type)
	assert.InDelta(t, 0.9, doc.Blocks[0].Coords.X1, 1e-9)
	assert.Equal(t, []int{100, 100, 900, 200}, doc.Blocks[0].CoordsPx)
	assert.Equal(t, ShapeTypeRectangle, doc.Blocks[0].Shape)

	assert.Equal(t, ShapeTypePolygon, doc.Blocks[1].Shape)
	assert.Equal(t, [][2]int{{200, 300}, {600, 300}, {400, 500}}, doc.Blocks[1].PolygonPoints)
	assert.Equal(t, "diagram", doc.Blocks[1].Category)
	assert.Equal(t, "QQQQ-QQQQ-QQQ", doc.Blocks[1].GroupID)
}

func TestParseAnnotationBareArray(t *testing.T) {
	data := []byte(`[{"id": "b1", "block_type": "table", "page_index": 0, "coords_norm": [0, 0, 1, 1]}]`)

	doc, err := ParseAnnotation(data)
	require.NoError(t, err)
	assert.Equal(t, AnnotationVersion, doc.Version)
	require.Len(t, doc.Blocks, 1)
	assert.Equal(t, BlockTypeTable, doc.Blocks[0].Type)
	assert.Equal(t, ShapeTypeRectangle, doc.Blocks[0].Shape)
}

func TestParseAnnotationLegacyCoordsObject(t *testing.T) {
	data := []byte(`[{"id": "b1", "block_type": "text", "page_index": 0, "coords_norm": {"x0": 0.1, "y0": 0.2, "x1": 0.8, "y1": 0.9}}]`)

	doc, err := ParseAnnotation(data)
	require.NoError(t, err)
	require.Len(t, doc.Blocks, 1)
	assert.InDelta(t, 0.2, doc.Blocks[0].Coords.Y0, 1e-9)
	assert.InDelta(t, 0.8, doc.Blocks[0].Coords.X1, 1e-9)
}

func TestParseAnnotationRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"not json", "not json at all"},
		{"missing id", `{"blocks":[{"block_type":"text","page_index":0}]}`},
		{"unknown type", `{"blocks":[{"id":"b1","block_type":"chart","page_index":0}]}`},
		{"unknown shape", `{"blocks":[{"id":"b1","block_type":"text","page_index":0,"shape_type":"circle"}]}`},
		{"short coords", `{"blocks":[{"id":"b1","block_type":"text","page_index":0,"coords_norm":[0.1,0.2,0.3]}]}`},
		{"negative page", `{"blocks":[{"id":"b1","block_type":"text","page_index":-1}]}`},
		{"future version", `{"version":3,"blocks":[]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseAnnotation([]byte(tc.data))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestEncodePreservesNullOCRText(t *testing.T) {
	doc := &AnnotationDocument{
		Version: AnnotationVersion,
		Blocks: []Block{
			{ID: "b1", Type: BlockTypeText, Coords: Rectangle{X0: 0.1, Y0: 0.1, X1: 0.5, Y1: 0.2}},
		},
	}
	out, err := doc.Encode()
	require.NoError(t, err)
	assert.Contains(t, string(out), `"ocr_text": null`)
	assert.Contains(t, string(out), `"block_type": "text"`)

	parsed, err := ParseAnnotation(out)
	require.NoError(t, err)
	require.Len(t, parsed.Blocks, 1)
	assert.Nil(t, parsed.Blocks[0].OCRText)
	assert.InDelta(t, doc.Blocks[0].Coords.Y1, parsed.Blocks[0].Coords.Y1, 1e-9)
}

func TestRectangleToPixels(t *testing.T) {
	r := Rectangle{X0: 0.25, Y0: 0.5, X1: 0.75, Y1: 1.0}
	px := r.ToPixels(400, 200, 0)
	assert.Equal(t, 100, px.Min.X)
	assert.Equal(t, 100, px.Min.Y)
	assert.Equal(t, 300, px.Max.X)
	assert.Equal(t, 200, px.Max.Y)

	// Padding clamps to the raster bounds.
	padded := r.ToPixels(400, 200, 10)
	assert.Equal(t, 90, padded.Min.X)
	assert.Equal(t, 200, padded.Max.Y)
}

func TestRectangleDegenerate(t *testing.T) {
	assert.True(t, Rectangle{X0: 0.5, Y0: 0.1, X1: 0.5, Y1: 0.2}.IsDegenerate())
	assert.True(t, Rectangle{X0: 0.1, Y0: 0.3, X1: 0.2, Y1: 0.2}.IsDegenerate())
	assert.False(t, Rectangle{X0: 0.1, Y0: 0.1, X1: 0.2, Y1: 0.2}.IsDegenerate())
}

func TestStats(t *testing.T) {
	doc := &AnnotationDocument{Blocks: []Block{
		{ID: "a", Type: BlockTypeText},
		{ID: "b", Type: BlockTypeText},
		{ID: "c", Type: BlockTypeImage},
	}}
	stats := doc.Stats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ByType["text"])
	assert.Equal(t, 1, stats.ByType["image"])
}
