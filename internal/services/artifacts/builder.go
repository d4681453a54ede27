package artifacts

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"image/png"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/ternarybob/arbor"
	"github.com/yuin/goldmark"

	"github.com/ternarybob/inkwell/internal/common"
	"github.com/ternarybob/inkwell/internal/interfaces"
	"github.com/ternarybob/inkwell/internal/models"
	"github.com/ternarybob/inkwell/internal/services/pipeline"
)

const (
	resultMDName   = "result.md"
	annotationName = "annotation.json"
	resultHTMLName = "result.html"
	resultZipName  = "result.zip"
	cropsPrefix    = "crops"
)

// Builder publishes the artifacts of a completed job to the object store
// and records them as job files, plus node files when the job belongs to a
// tree node.
type Builder struct {
	jobs    interfaces.JobStorage
	nodes   interfaces.NodeStorage
	objects interfaces.ObjectStore
	logger  arbor.ILogger
}

// NewBuilder creates the artifact builder.
func NewBuilder(jobs interfaces.JobStorage, nodes interfaces.NodeStorage, objects interfaces.ObjectStore, logger arbor.ILogger) *Builder {
	return &Builder{jobs: jobs, nodes: nodes, objects: objects, logger: logger}
}

// ApplyResults writes the recognition outcomes back into the annotation
// document. Every requested block ends with either text or an explicit
// failed status.
func ApplyResults(doc *models.AnnotationDocument, results pipeline.ResultSet) {
	for i := range doc.Blocks {
		b := &doc.Blocks[i]
		result, ok := results[b.ID]
		if !ok {
			b.OCRText = nil
			b.OCRStatus = models.OCRStatusFailed
			continue
		}
		b.OCRStatus = result.Status
		if result.Status == models.OCRStatusFailed {
			b.OCRText = nil
			continue
		}
		text := result.Text
		b.OCRText = &text
	}
}

// Publish builds every artifact from the workspace crops and the filled-in
// annotation document, uploads them under the job's storage prefix and
// records the rows. Call after ApplyResults.
func (b *Builder) Publish(ctx context.Context, job *models.Job, doc *models.AnnotationDocument, workDir string) error {
	doc.Version = models.AnnotationVersion
	if doc.DocumentName == "" {
		doc.DocumentName = job.DocumentName
	}

	markdown := RenderMarkdown(doc)
	annotation, err := doc.Encode()
	if err != nil {
		return err
	}

	var htmlBuf bytes.Buffer
	if err := goldmark.Convert([]byte(markdown), &htmlBuf); err != nil {
		return fmt.Errorf("failed to render html: %w", err)
	}

	cropPDFs, err := b.buildCropPDFs(doc, workDir)
	if err != nil {
		return err
	}

	archive, err := buildZip(markdown, annotation, cropPDFs)
	if err != nil {
		return err
	}

	prefix := strings.TrimSuffix(job.StoragePrefix, "/")
	uploads := []struct {
		name        string
		data        []byte
		contentType string
		fileType    models.JobFileType
	}{
		{resultMDName, []byte(markdown), "text/markdown", models.JobFileTypeResultMD},
		{annotationName, annotation, "application/json", models.JobFileTypeAnnotation},
		{resultHTMLName, htmlBuf.Bytes(), "text/html", models.JobFileTypeOCRHTML},
		{resultZipName, archive, "application/zip", models.JobFileTypeResultZip},
	}

	for _, u := range uploads {
		key := path.Join(prefix, u.name)
		if err := b.objects.UploadBytes(ctx, key, u.data, u.contentType); err != nil {
			return fmt.Errorf("failed to upload %s: %w", u.name, err)
		}
		if err := b.addJobFile(job, u.fileType, key, u.name, int64(len(u.data)), nil); err != nil {
			return err
		}
		if err := b.registerNodeFile(job, u.fileType, key, u.name, int64(len(u.data)), u.contentType); err != nil {
			return err
		}
	}

	for _, crop := range cropPDFs {
		key := path.Join(prefix, cropsPrefix, crop.name)
		if err := b.objects.UploadBytes(ctx, key, crop.data, "application/pdf"); err != nil {
			return fmt.Errorf("failed to upload crop %s: %w", crop.name, err)
		}
		if err := b.addJobFile(job, models.JobFileTypeCrop, key, crop.name, int64(len(crop.data)), crop.metadata); err != nil {
			return err
		}
	}

	stats := doc.Stats()
	for _, block := range doc.Blocks {
		if block.OCRStatus == models.OCRStatusFailed {
			stats.Failed++
		}
	}
	if err := b.jobs.SetBlockStats(job.ID, stats); err != nil {
		return err
	}

	b.logger.Info().
		Str("job_id", job.ID).
		Str("prefix", prefix).
		Int("crops", len(cropPDFs)).
		Msg("Artifacts published")
	return nil
}

type cropPDF struct {
	name     string
	data     []byte
	metadata *models.CropMetadata
}

func (b *Builder) buildCropPDFs(doc *models.AnnotationDocument, workDir string) ([]cropPDF, error) {
	var out []cropPDF
	for _, block := range doc.Blocks {
		pngPath := filepath.Join(workDir, "crops", block.ID+".png")
		pngBytes, err := os.ReadFile(pngPath)
		if err != nil {
			// Degenerate blocks have no crop.
			continue
		}
		pdfBytes, err := pdfFromPNG(pngBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to build crop pdf for %s: %w", block.ID, err)
		}
		coords := block.Coords
		out = append(out, cropPDF{
			name: block.ID + ".pdf",
			data: pdfBytes,
			metadata: &models.CropMetadata{
				BlockID:    block.ID,
				PageIndex:  block.PageIndex,
				BlockType:  block.Type,
				CoordsNorm: &coords,
			},
		})
	}
	return out, nil
}

func (b *Builder) addJobFile(job *models.Job, fileType models.JobFileType, key, name string, size int64, metadata *models.CropMetadata) error {
	return b.jobs.AddJobFile(&models.JobFile{
		ID:        common.NewID(),
		JobID:     job.ID,
		FileType:  fileType,
		Key:       key,
		FileName:  name,
		FileSize:  size,
		CreatedAt: time.Now().UTC(),
		Metadata:  metadata,
	})
}

func (b *Builder) registerNodeFile(job *models.Job, fileType models.JobFileType, key, name string, size int64, contentType string) error {
	if job.NodeID == "" {
		return nil
	}
	return b.nodes.RegisterNodeFile(&models.NodeFile{
		ID:          common.NewID(),
		NodeID:      job.NodeID,
		FileType:    string(fileType),
		Key:         key,
		FileName:    name,
		FileSize:    size,
		ContentType: contentType,
		CreatedAt:   time.Now().UTC(),
	})
}

func buildZip(markdown string, annotation []byte, crops []cropPDF) ([]byte, error) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	entries := []struct {
		name string
		data []byte
	}{
		{resultMDName, []byte(markdown)},
		{annotationName, annotation},
	}
	for _, crop := range crops {
		entries = append(entries, struct {
			name string
			data []byte
		}{path.Join(cropsPrefix, crop.name), crop.data})
	}

	for _, e := range entries {
		f, err := w.Create(e.name)
		if err != nil {
			return nil, fmt.Errorf("failed to add %s to zip: %w", e.name, err)
		}
		if _, err := f.Write(e.data); err != nil {
			return nil, fmt.Errorf("failed to write %s to zip: %w", e.name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize zip: %w", err)
	}
	return buf.Bytes(), nil
}

// pdfFromPNG wraps one crop image into a single-page PDF sized to the
// image at 72 DPI.
func pdfFromPNG(pngBytes []byte) ([]byte, error) {
	cfg, err := png.DecodeConfig(bytes.NewReader(pngBytes))
	if err != nil {
		return nil, fmt.Errorf("invalid png: %w", err)
	}

	width := float64(cfg.Width)
	height := float64(cfg.Height)

	pdf := fpdf.NewCustom(&fpdf.InitType{
		UnitStr: "pt",
		Size:    fpdf.SizeType{Wd: width, Ht: height},
	})
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)
	pdf.AddPage()

	opts := fpdf.ImageOptions{ImageType: "PNG"}
	pdf.RegisterImageOptionsReader("crop", opts, bytes.NewReader(pngBytes))
	pdf.ImageOptions("crop", 0, 0, width, height, false, opts, 0, "")

	var out bytes.Buffer
	if err := pdf.Output(&out); err != nil {
		return nil, fmt.Errorf("failed to render pdf: %w", err)
	}
	return out.Bytes(), nil
}
