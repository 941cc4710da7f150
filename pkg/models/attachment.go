package models

// AttachmentKind identifies the media type of an Attachment.
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentText  AttachmentKind = "text"
	AttachmentPDF   AttachmentKind = "pdf"
	AttachmentWord  AttachmentKind = "word"
	AttachmentPPT   AttachmentKind = "ppt"
	AttachmentExcel AttachmentKind = "excel"
)

// Attachment is a file or inline blob attached to a Message.
//
// Text attachments are inlined into the user prompt by the Context Assembler
// as <fileattachment> blocks; image attachments become provider-native image
// parts when the selected model declares vision support.
type Attachment struct {
	ID         string         `json:"id"`
	MessageID  string         `json:"message_id"`
	Kind       AttachmentKind `json:"kind"`
	URL        string         `json:"url,omitempty"`
	Content    string         `json:"content,omitempty"`
	Hash       string         `json:"hash,omitempty"`
	UsesVector bool           `json:"uses_vector"`
	TokenCount int            `json:"token_count,omitempty"`
	Name       string         `json:"name,omitempty"`
}
