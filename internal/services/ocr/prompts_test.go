package ocr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildStripPromptSingleBlock(t *testing.T) {
	p := BuildStripPrompt([]string{"ABCD-EFGH-JKL"})
	assert.Equal(t, defaultSystemPrompt, p.System)
	assert.NotContains(t, p.User, "BLOCK:")
}

func TestBuildStripPromptMultiBlock(t *testing.T) {
	p := BuildStripPrompt([]string{"AAAA-AAAA-AAA", "CCCC-CCCC-CCC", "DDDD-DDDD-DDD"})
	assert.Contains(t, p.System, "BLOCK: XXXX-XXXX-XXX")
	assert.Contains(t, p.User, "3 blocks")
	assert.Contains(t, p.User, "Do not merge blocks")
}

func TestFillImagePromptSubstitutes(t *testing.T) {
	template := PromptPair{
		System: "Analyst for {DOC_NAME}.",
		User:   "Page {PAGE_NUM}, block {BLOCK_ID}. Hint: {OPERATOR_HINT}. Text: {PDFPLUMBER_TEXT}",
	}
	p := FillImagePrompt(template, ImagePromptVars{
		DocName:   "contract.pdf",
		PageIndex: 2,
		BlockID:   "AAAA-AAAA-AAA",
		Hint:      "company stamp",
		PDFText:   "ACME LLC",
	})

	assert.Equal(t, "Analyst for contract.pdf.", p.System)
	assert.Contains(t, p.User, "Page 3")
	assert.Contains(t, p.User, "block AAAA-AAAA-AAA")
	assert.Contains(t, p.User, "Hint: company stamp")
	assert.Contains(t, p.User, "Text: ACME LLC")
}

func TestFillImagePromptEmptyTemplateUsesDefault(t *testing.T) {
	p := FillImagePrompt(PromptPair{}, ImagePromptVars{DocName: "x.pdf", PageIndex: 0})
	assert.NotEmpty(t, p.System)
	assert.Contains(t, p.User, "x.pdf")
	assert.Contains(t, p.User, "page 1")
}

func TestWantsJSON(t *testing.T) {
	assert.True(t, PromptPair{User: "Return JSON with ocr_text"}.WantsJSON())
	assert.True(t, PromptPair{System: "respond in json"}.WantsJSON())
	assert.False(t, PromptPair{User: "Plain markdown please"}.WantsJSON())
}
