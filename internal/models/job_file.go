package models

import "time"

// JobFileType classifies artifacts and inputs attached to a job.
type JobFileType string

const (
	JobFileTypePDF        JobFileType = "pdf"
	JobFileTypeBlocks     JobFileType = "blocks"
	JobFileTypeAnnotation JobFileType = "annotation"
	JobFileTypeResultMD   JobFileType = "result_md"
	JobFileTypeResultZip  JobFileType = "result_zip"
	JobFileTypeCrop       JobFileType = "crop"
	JobFileTypeOCRHTML    JobFileType = "ocr_html"
	JobFileTypeResult     JobFileType = "result"
)

// CropMetadata is attached to crop JobFiles so clients can place the crop
// back on the source page.
type CropMetadata struct {
	BlockID    string     `json:"block_id"`
	PageIndex  int        `json:"page_index"`
	BlockType  BlockType  `json:"block_type"`
	CoordsNorm *Rectangle `json:"coords_norm,omitempty"`
}

// JobFile records one object-store key owned by a job. Rows cascade when the
// job is deleted; the objects themselves are cleaned up by the caller.
type JobFile struct {
	ID        string        `json:"id" badgerhold:"key"`
	JobID     string        `json:"job_id" badgerhold:"index"`
	FileType  JobFileType   `json:"file_type" badgerhold:"index"`
	Key       string        `json:"key"`
	FileName  string        `json:"file_name"`
	FileSize  int64         `json:"file_size"`
	CreatedAt time.Time     `json:"created_at"`
	Metadata  *CropMetadata `json:"metadata,omitempty"`
}
