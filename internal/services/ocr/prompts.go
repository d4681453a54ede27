package ocr

import (
	"fmt"
	"strings"
)

// PromptPair is a system/user prompt combination sent with an image.
type PromptPair struct {
	System string
	User   string
}

const (
	defaultSystemPrompt = "You are an expert OCR system. Extract text accurately."
	defaultUserPrompt   = "Recognize the text in the image. Preserve the formatting."

	stripSystemPrompt = "You are an expert OCR system. Extract text from each block accurately. " +
		"Each block is separated by a black bar with white text 'BLOCK: XXXX-XXXX-XXX'. " +
		"You MUST include these BLOCK markers in your response to separate each block's content."
)

// BuildStripPrompt assembles the batch prompt for a merged crop strip. A
// single-block strip uses the plain prompt; multi-block strips add the
// marker protocol so the response can be split per block.
func BuildStripPrompt(blockIDs []string) PromptPair {
	if len(blockIDs) <= 1 {
		return PromptPair{System: defaultSystemPrompt, User: defaultUserPrompt}
	}

	var b strings.Builder
	b.WriteString(defaultUserPrompt)
	fmt.Fprintf(&b, "\n\nThe image contains %d blocks separated by black bars.\n", len(blockIDs))
	b.WriteString("Each block starts with a marker 'BLOCK: XXXX-XXXX-XXX' (white text on a black bar).\n")
	b.WriteString("IMPORTANT: repeat the BLOCK: marker before the text of EVERY block.\n")
	b.WriteString("Response format:\n")
	b.WriteString("BLOCK: XXXX-XXXX-XXX\n<text of the first block>\n\n")
	b.WriteString("BLOCK: YYYY-YYYY-YYY\n<text of the second block>\n...\n\n")
	b.WriteString("Do not merge blocks. Each block is a separate fragment of the document.")

	return PromptPair{System: stripSystemPrompt, User: b.String()}
}

// ImagePromptVars are the substitution variables available in image block
// prompt templates.
type ImagePromptVars struct {
	DocName   string
	PageIndex int // zero-based; rendered one-based
	BlockID   string
	Hint      string
	PDFText   string
}

// defaultImagePrompt is used when a block carries no prompt of its own.
var defaultImagePrompt = PromptPair{
	System: "You are an expert document analyst.",
	User: "Describe the image from document {DOC_NAME}, page {PAGE_NUM}. " +
		"Operator hint: {OPERATOR_HINT}\n" +
		"Embedded PDF text: {PDFPLUMBER_TEXT}\n" +
		"Return the result as JSON with an \"ocr_text\" field.",
}

// FillImagePrompt substitutes template variables into an image prompt.
// Empty templates fall back to the default image prompt.
func FillImagePrompt(template PromptPair, vars ImagePromptVars) PromptPair {
	if template.System == "" && template.User == "" {
		template = defaultImagePrompt
	}

	replacer := strings.NewReplacer(
		"{DOC_NAME}", orDefault(vars.DocName, "unknown"),
		"{PAGE_NUM}", fmt.Sprintf("%d", vars.PageIndex+1),
		"{BLOCK_ID}", vars.BlockID,
		"{OPERATOR_HINT}", vars.Hint,
		"{PDFPLUMBER_TEXT}", vars.PDFText,
	)
	return PromptPair{
		System: replacer.Replace(template.System),
		User:   replacer.Replace(template.User),
	}
}

// WantsJSON reports whether a prompt asks the model for a JSON response,
// which switches the request into JSON mode where the backend supports it.
func (p PromptPair) WantsJSON() bool {
	combined := strings.ToLower(p.System + " " + p.User)
	return strings.Contains(combined, "json")
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
