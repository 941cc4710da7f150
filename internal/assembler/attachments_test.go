package assembler

import (
	"strings"
	"testing"

	"github.com/deskassist/core/pkg/models"
)

func TestExpandTextAttachments_WrapsTextOnly(t *testing.T) {
	attachments := []*models.Attachment{
		{ID: "a1", Name: "notes.txt", Kind: models.AttachmentText, Content: "line one"},
		{ID: "a2", Name: "photo.png", Kind: models.AttachmentImage, Content: "base64data"},
	}
	got := ExpandTextAttachments("original prompt", attachments)

	if !strings.Contains(got, "original prompt") {
		t.Errorf("expanded content dropped original prompt: %q", got)
	}
	if !strings.Contains(got, `<fileattachment name="notes.txt">`) {
		t.Errorf("expected fileattachment block for notes.txt, got %q", got)
	}
	if strings.Contains(got, "base64data") {
		t.Errorf("image attachment content leaked into text expansion: %q", got)
	}
}

func TestExpandTextAttachments_NoAttachmentsIsNoop(t *testing.T) {
	got := ExpandTextAttachments("just text", nil)
	if got != "just text" {
		t.Errorf("ExpandTextAttachments() = %q, want unchanged", got)
	}
}

func TestImagePartsForModel_OmittedWhenNoVision(t *testing.T) {
	attachments := []*models.Attachment{{ID: "a1", Kind: models.AttachmentImage, URL: "https://example.com/x.png"}}
	got := ImagePartsForModel(attachments, false)
	if got != nil {
		t.Errorf("ImagePartsForModel() = %v, want nil when model lacks vision", got)
	}
}

func TestImagePartsForModel_PrefersURLOverInlineContent(t *testing.T) {
	attachments := []*models.Attachment{{ID: "a1", Kind: models.AttachmentImage, URL: "https://example.com/x.png", Content: "base64"}}
	parts := ImagePartsForModel(attachments, true)
	if len(parts) != 1 || parts[0].MediaHint != "url" || parts[0].Content != "https://example.com/x.png" {
		t.Errorf("ImagePartsForModel() = %+v, want single url part", parts)
	}
}

func TestNonTextAttachmentNames(t *testing.T) {
	attachments := []*models.Attachment{
		{ID: "a1", Name: "report.pdf", Kind: models.AttachmentPDF},
		{ID: "a2", Name: "notes.txt", Kind: models.AttachmentText},
	}
	names := NonTextAttachmentNames(attachments)
	if len(names) != 1 || names[0] != "report.pdf" {
		t.Errorf("NonTextAttachmentNames() = %v, want [report.pdf]", names)
	}
}
