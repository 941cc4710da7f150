package assembler

import (
	"fmt"
	"strings"

	"github.com/deskassist/core/pkg/models"
)

// ImagePart is a provider-neutral vision part: a model that declares vision
// support receives these alongside the rendered text; a model that does
// not is only ever shown the text produced by ExpandTextAttachments.
type ImagePart struct {
	Name      string
	MediaHint string // "url" or "base64"; Content holds the corresponding value
	Content   string
}

// ExpandTextAttachments wraps every text-kind attachment as a
// <fileattachment name="..."> block and appends the blocks to the user
// message content (§4.C.3). Attachments that are not text-kind are left
// for SplitAttachmentsByKind / image handling.
func ExpandTextAttachments(content string, attachments []*models.Attachment) string {
	var blocks strings.Builder
	for _, a := range attachments {
		if a == nil || a.Kind != models.AttachmentText {
			continue
		}
		name := a.Name
		if name == "" {
			name = a.ID
		}
		fmt.Fprintf(&blocks, "\n<fileattachment name=%q>\n%s\n</fileattachment>\n", name, a.Content)
	}
	if blocks.Len() == 0 {
		return content
	}
	return content + blocks.String()
}

// ImagePartsForModel returns provider-neutral image parts for every
// image-kind attachment, or nil if the target model does not declare
// vision support — in which case image attachments are silently omitted
// from the request rather than inlined as unusable text.
func ImagePartsForModel(attachments []*models.Attachment, modelSupportsVision bool) []ImagePart {
	if !modelSupportsVision {
		return nil
	}
	var parts []ImagePart
	for _, a := range attachments {
		if a == nil || a.Kind != models.AttachmentImage {
			continue
		}
		hint, content := "base64", a.Content
		if a.URL != "" {
			hint, content = "url", a.URL
		}
		parts = append(parts, ImagePart{Name: a.Name, MediaHint: hint, Content: content})
	}
	return parts
}

// NonTextAttachmentNames lists attachments the assembler cannot currently
// render inline (pdf/word/ppt/excel) so callers can surface them to the
// user instead of silently dropping content. Handling those formats is a
// host-side ingestion concern per §1's Non-goals ("attachment ingestion
// pipeline"); the assembler only knows how to place already-extracted
// text or image bytes into a request.
func NonTextAttachmentNames(attachments []*models.Attachment) []string {
	var names []string
	for _, a := range attachments {
		if a == nil {
			continue
		}
		switch a.Kind {
		case models.AttachmentText, models.AttachmentImage:
			continue
		default:
			name := a.Name
			if name == "" {
				name = a.ID
			}
			names = append(names, name)
		}
	}
	return names
}
