package plexus

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Attachment tokens stand in for extracted content inside the stripped
// message. Reattachment replaces each token with the stored attachment data
// before a destination delivers.
const attachmentTokenPrefix = "${ATTACH:"

var attachmentTokenRe = regexp.MustCompile(`\$\{ATTACH:([^}]+)\}`)

// AttachmentToken returns the placeholder written in place of an extracted
// attachment.
func AttachmentToken(id string) string {
	return attachmentTokenPrefix + id + "}"
}

// RegexAttachmentHandler extracts every match of a pattern into its own
// attachment, leaving a token in the stripped message.
type RegexAttachmentHandler struct {
	re       *regexp.Regexp
	mimeType string
}

var _ AttachmentHandler = (*RegexAttachmentHandler)(nil)

// NewRegexAttachmentHandler compiles pattern and returns the handler.
// mimeType defaults to text/plain.
func NewRegexAttachmentHandler(pattern, mimeType string) (*RegexAttachmentHandler, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("attachment pattern: %w", err)
	}
	if mimeType == "" {
		mimeType = "text/plain"
	}
	return &RegexAttachmentHandler{re: re, mimeType: mimeType}, nil
}

// Extract replaces each pattern match with an attachment token.
func (h *RegexAttachmentHandler) Extract(messageID int64, raw string) (string, []*Attachment, error) {
	var attachments []*Attachment
	stripped := h.re.ReplaceAllStringFunc(raw, func(match string) string {
		a := &Attachment{
			ID:        uuid.NewString(),
			MessageID: messageID,
			Type:      h.mimeType,
			Content:   []byte(match),
		}
		attachments = append(attachments, a)
		return AttachmentToken(a.ID)
	})
	return stripped, attachments, nil
}

// reattach replaces attachment tokens in content with the stored attachment
// data for cm's message. Tokens whose attachment no longer exists stay in
// place.
func (p *persister) reattach(ctx context.Context, cm *ConnectorMessage, content string) (string, error) {
	if !strings.Contains(content, attachmentTokenPrefix) {
		return content, nil
	}
	attachments, err := p.store.Attachments(ctx, cm.ChannelID, cm.MessageID)
	if err != nil {
		return "", fmt.Errorf("load attachments: %w", err)
	}
	byID := make(map[string]string, len(attachments))
	for _, a := range attachments {
		byID[a.ID] = string(a.Content)
	}
	return attachmentTokenRe.ReplaceAllStringFunc(content, func(tok string) string {
		id := tok[len(attachmentTokenPrefix) : len(tok)-1]
		if data, ok := byID[id]; ok {
			return data
		}
		return tok
	}), nil
}
