package models

// StripEntry describes one merged crop strip produced by the first pass.
// Block ids are listed top to bottom, matching the marker bars drawn into
// the strip image.
type StripEntry struct {
	ID        string   `json:"id"`
	File      string   `json:"file"`
	PageIndex int      `json:"page_index"`
	BlockIDs  []string `json:"block_ids"`
}

// ImageEntry describes one individually cropped image or stamp block.
type ImageEntry struct {
	BlockID   string    `json:"block_id"`
	File      string    `json:"file"`
	PageIndex int       `json:"page_index"`
	Type      BlockType `json:"type"`
	Hint      string    `json:"hint,omitempty"`
	PDFText   string    `json:"pdf_text,omitempty"`
}

// Manifest is the handoff between the crop pass and the recognition pass.
// It is written to the job workspace so the second pass never needs the
// page rasters again.
type Manifest struct {
	JobID       string       `json:"job_id"`
	PageCount   int          `json:"page_count"`
	TotalBlocks int          `json:"total_blocks"`
	Strips      []StripEntry `json:"strips"`
	Images      []ImageEntry `json:"image_blocks"`
	// Degenerate lists zero-area blocks that were never cropped; they are
	// recorded failed without a backend call.
	Degenerate []string `json:"degenerate,omitempty"`
}

// UnitCount is the number of recognition calls the second pass will make.
func (m *Manifest) UnitCount() int {
	return len(m.Strips) + len(m.Images)
}
