package models

import (
	"encoding/json"
	"fmt"
	"image"
	"math"
)

// BlockType classifies a region on a page for OCR dispatch.
type BlockType string

const (
	BlockTypeText  BlockType = "text"
	BlockTypeTable BlockType = "table"
	BlockTypeImage BlockType = "image"
	BlockTypeStamp BlockType = "stamp"
)

// IsStriped reports whether blocks of this type are merged into vertical
// strips for batch recognition. Image and stamp regions are always sent
// individually.
func (t BlockType) IsStriped() bool {
	return t == BlockTypeText || t == BlockTypeTable
}

// OCRStatus records the recognition outcome of a single block.
type OCRStatus string

const (
	OCRStatusOK        OCRStatus = "ok"
	OCRStatusFailed    OCRStatus = "failed"
	OCRStatusRetriedOK OCRStatus = "retried-ok"
)

// ShapeType distinguishes rectangular blocks from free-form polygons.
// Polygon blocks still crop to their bounding rectangle.
type ShapeType string

const (
	ShapeTypeRectangle ShapeType = "rectangle"
	ShapeTypePolygon   ShapeType = "polygon"
)

// Rectangle is a block region in normalized page coordinates, origin
// top-left, all values in [0,1]. On the wire it is a 4-element array
// [x0, y0, x1, y1].
type Rectangle struct {
	X0 float64
	Y0 float64
	X1 float64
	Y1 float64
}

func (r Rectangle) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]float64{r.X0, r.Y0, r.X1, r.Y1})
}

func (r *Rectangle) UnmarshalJSON(data []byte) error {
	var arr []float64
	if err := json.Unmarshal(data, &arr); err == nil {
		if len(arr) != 4 {
			return fmt.Errorf("coords must have 4 elements, got %d", len(arr))
		}
		r.X0, r.Y0, r.X1, r.Y1 = arr[0], arr[1], arr[2], arr[3]
		return nil
	}
	// Older clients sent an object form.
	var obj struct {
		X0 float64 `json:"x0"`
		Y0 float64 `json:"y0"`
		X1 float64 `json:"x1"`
		Y1 float64 `json:"y1"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	r.X0, r.Y0, r.X1, r.Y1 = obj.X0, obj.Y0, obj.X1, obj.Y1
	return nil
}

func (r Rectangle) Width() float64  { return r.X1 - r.X0 }
func (r Rectangle) Height() float64 { return r.Y1 - r.Y0 }

// IsDegenerate reports whether the region has no usable area.
func (r Rectangle) IsDegenerate() bool {
	return r.Width() <= 0 || r.Height() <= 0
}

// ToPixels maps the normalized region onto a raster of the given size,
// expanding by pad pixels on every side and clamping to the raster bounds.
func (r Rectangle) ToPixels(width, height, pad int) image.Rectangle {
	x0 := int(math.Floor(r.X0*float64(width))) - pad
	y0 := int(math.Floor(r.Y0*float64(height))) - pad
	x1 := int(math.Ceil(r.X1*float64(width))) + pad
	y1 := int(math.Ceil(r.Y1*float64(height))) + pad
	return image.Rect(max(x0, 0), max(y0, 0), min(x1, width), min(y1, height))
}

// Block is one annotated region of the source document. Pixel coordinates
// refer to the rendered canvas the annotation was drawn on; normalized
// coordinates stay valid across re-renders.
type Block struct {
	ID            string    `json:"id"`
	Type          BlockType `json:"block_type"`
	PageIndex     int       `json:"page_index"`
	Coords        Rectangle `json:"coords_norm"`
	CoordsPx      []int     `json:"coords_px,omitempty"`
	Shape         ShapeType `json:"shape_type,omitempty"`
	PolygonPoints [][2]int  `json:"polygon_points,omitempty"`
	Source        string    `json:"source,omitempty"`
	Hint          string    `json:"hint,omitempty"`
	Category      string    `json:"category,omitempty"`
	GroupID       string    `json:"group_id,omitempty"`
	CreatedAt     string    `json:"created_at,omitempty"`
	OCRText       *string   `json:"ocr_text"`
	OCRStatus     OCRStatus `json:"ocr_status,omitempty"`
}

// AnnotationDocument is the versioned block annotation format exchanged with
// clients and published as the annotation.json artifact.
type AnnotationDocument struct {
	Version      int     `json:"version"`
	DocumentID   string  `json:"document_id,omitempty"`
	DocumentName string  `json:"document_name,omitempty"`
	PageCount    int     `json:"page_count,omitempty"`
	Blocks       []Block `json:"blocks"`
}

const AnnotationVersion = 2

// ParseAnnotation decodes and validates an annotation document. A bare JSON
// array of blocks is accepted for backward compatibility and upgraded to the
// current version.
func ParseAnnotation(data []byte) (*AnnotationDocument, error) {
	var doc AnnotationDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		var blocks []Block
		if arrErr := json.Unmarshal(data, &blocks); arrErr != nil {
			return nil, Errorf(ErrInvalidInput, "invalid annotation json: %v", err)
		}
		doc = AnnotationDocument{Version: AnnotationVersion, Blocks: blocks}
	}
	if doc.Version == 0 {
		doc.Version = AnnotationVersion
	}
	if doc.Version > AnnotationVersion {
		return nil, Errorf(ErrInvalidInput, "unsupported annotation version %d", doc.Version)
	}
	for i := range doc.Blocks {
		b := &doc.Blocks[i]
		if b.ID == "" {
			return nil, Errorf(ErrInvalidInput, "block %d has no id", i)
		}
		if b.PageIndex < 0 {
			return nil, Errorf(ErrInvalidInput, "block %s: negative page index", b.ID)
		}
		switch b.Type {
		case BlockTypeText, BlockTypeTable, BlockTypeImage, BlockTypeStamp:
		default:
			return nil, Errorf(ErrInvalidInput, "block %s: unknown type %q", b.ID, b.Type)
		}
		if len(b.CoordsPx) != 0 && len(b.CoordsPx) != 4 {
			return nil, Errorf(ErrInvalidInput, "block %s: coords_px must have 4 elements", b.ID)
		}
		switch b.Shape {
		case "":
			b.Shape = ShapeTypeRectangle
		case ShapeTypeRectangle, ShapeTypePolygon:
		default:
			return nil, Errorf(ErrInvalidInput, "block %s: unknown shape %q", b.ID, b.Shape)
		}
	}
	return &doc, nil
}

// Encode renders the document as indented JSON, the layout clients diff.
func (d *AnnotationDocument) Encode() ([]byte, error) {
	out, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode annotation: %w", err)
	}
	return out, nil
}

// Stats aggregates block counts by type.
func (d *AnnotationDocument) Stats() *BlockStats {
	stats := &BlockStats{Total: len(d.Blocks), ByType: make(map[string]int)}
	for _, b := range d.Blocks {
		stats.ByType[string(b.Type)]++
	}
	return stats
}
