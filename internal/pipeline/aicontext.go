package pipeline

import (
	"fmt"
	"strings"

	"github.com/voicedesk/voicedesk/internal/models"
)

// buildAIText renders the text sent to the completion service for one
// message. Plain messages yield their transcription or raw text. Messages
// carrying attachments get a labelled header, one reference line per
// attachment, and a source trailer; upstream provider file URLs are never
// leaked — Telegram files are rewritten to proxy paths under baseURL scoped
// to this message and attachment index.
func buildAIText(m *models.Message, baseURL string) string {
	plain := strings.TrimSpace(m.PlainText())
	if !attachmentLike(m) {
		return plain
	}

	label := "Screenshot"
	if strings.EqualFold(m.MessageType, models.TypeDocument) {
		label = "Document"
	}

	caption := ""
	if len(m.Attachments) > 0 {
		caption = strings.TrimSpace(m.Attachments[0].Caption)
	}
	if caption == "" {
		caption = plain
	}

	var lines []string
	if caption != "" {
		lines = append(lines, fmt.Sprintf("[%s] %s", label, caption))
	} else {
		lines = append(lines, fmt.Sprintf("[%s]", label))
	}

	id, err := models.RecordIDString(m.ID)
	if err != nil {
		id = ""
	}
	for i, att := range m.Attachments {
		if ref := attachmentRef(m, att, id, i, baseURL); ref != "" {
			lines = append(lines, ref)
		}
	}

	var trailer []string
	if m.MessageID != "" {
		trailer = append(trailer, "message_id="+m.MessageID)
	}
	if src := sourceOf(m); src != "" {
		trailer = append(trailer, "source="+src)
	}
	if len(trailer) > 0 {
		lines = append(lines, strings.Join(trailer, " "))
	}

	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func attachmentLike(m *models.Message) bool {
	switch strings.ToLower(m.MessageType) {
	case models.TypeScreenshot, models.TypeDocument:
		return true
	}
	return len(m.Attachments) > 0
}

// attachmentRef returns the reference line for one attachment. Telegram
// files are addressable only through the bot API, so they resolve to the
// message-attachment proxy; other sources carry a plain URL or URI.
func attachmentRef(m *models.Message, att models.Attachment, msgID string, idx int, baseURL string) string {
	source := att.Source
	if source == "" {
		source = sourceOf(m)
	}

	fileID := att.FileID
	if source == models.SourceTelegram && fileID != "" && msgID != "" {
		path := fmt.Sprintf("/voicebot/message_attachment/%s/%d", msgID, idx)
		if base := strings.TrimRight(baseURL, "/"); base != "" {
			return base + path
		}
		return path
	}

	if att.URL != "" {
		return att.URL
	}
	return att.URI
}
