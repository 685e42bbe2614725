package mail

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/mail"
	"strings"
	"time"

	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// GmailGateway is the production Gateway, backed by the Gmail API against
// the campaign's dedicated mailbox.
type GmailGateway struct {
	svc  *gmail.Service
	user string // "me" for the authorized account
}

// NewGmailGateway constructs a GmailGateway using an already-exchanged
// OAuth2 token source (see pkg/mail/oauth.go for the exchange flow).
func NewGmailGateway(ctx context.Context, opts ...option.ClientOption) (*GmailGateway, error) {
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("mail: gmail service init: %w", err)
	}
	return &GmailGateway{svc: svc, user: "me"}, nil
}

func (g *GmailGateway) Search(ctx context.Context, query string, limit int) ([]Message, error) {
	call := g.svc.Users.Messages.List(g.user).Q(query).Context(ctx)
	if limit > 0 {
		call = call.MaxResults(int64(limit))
	}
	resp, err := call.Do()
	if err != nil {
		return nil, fmt.Errorf("mail: search %q: %w", query, err)
	}
	ids := make([]string, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		ids = append(ids, m.Id)
	}
	return g.FetchMessages(ctx, ids)
}

func (g *GmailGateway) FetchMessages(ctx context.Context, messageIDs []string) ([]Message, error) {
	out := make([]Message, 0, len(messageIDs))
	for _, id := range messageIDs {
		raw, err := g.svc.Users.Messages.Get(g.user, id).Format("full").Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("mail: fetch %s: %w", id, err)
		}
		out = append(out, decodeMessage(raw))
	}
	return out, nil
}

func (g *GmailGateway) EnsureLabel(ctx context.Context, label string) error {
	labels, err := g.svc.Users.Labels.List(g.user).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("mail: list labels: %w", err)
	}
	for _, l := range labels.Labels {
		if l.Name == label {
			return nil
		}
	}
	_, err = g.svc.Users.Labels.Create(g.user, &gmail.Label{
		Name:                  label,
		LabelListVisibility:   "labelShow",
		MessageListVisibility: "show",
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("mail: create label %q: %w", label, err)
	}
	return nil
}

func (g *GmailGateway) ApplyLabel(ctx context.Context, messageID, label string) error {
	id, err := g.resolveLabelID(ctx, label)
	if err != nil {
		return err
	}
	_, err = g.svc.Users.Messages.Modify(g.user, messageID, &gmail.ModifyMessageRequest{
		AddLabelIds: []string{id},
	}).Context(ctx).Do()
	return err
}

func (g *GmailGateway) RemoveLabel(ctx context.Context, messageID, label string) error {
	id, err := g.resolveLabelID(ctx, label)
	if err != nil {
		return err
	}
	_, err = g.svc.Users.Messages.Modify(g.user, messageID, &gmail.ModifyMessageRequest{
		RemoveLabelIds: []string{id},
	}).Context(ctx).Do()
	return err
}

func (g *GmailGateway) resolveLabelID(ctx context.Context, label string) (string, error) {
	labels, err := g.svc.Users.Labels.List(g.user).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("mail: list labels: %w", err)
	}
	for _, l := range labels.Labels {
		if l.Name == label {
			return l.Id, nil
		}
	}
	return "", fmt.Errorf("mail: label %q not found, call EnsureLabel first", label)
}

func (g *GmailGateway) Send(ctx context.Context, draft Draft) (string, error) {
	raw, err := encodeRFC822(draft)
	if err != nil {
		return "", fmt.Errorf("mail: encode draft: %w", err)
	}
	msg := &gmail.Message{Raw: base64.URLEncoding.EncodeToString(raw)}
	if draft.ThreadID != "" {
		msg.ThreadId = draft.ThreadID
	}
	sent, err := g.svc.Users.Messages.Send(g.user, msg).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("mail: send: %w", err)
	}
	full, err := g.svc.Users.Messages.Get(g.user, sent.Id).Format("metadata").
		MetadataHeaders("Message-ID").Context(ctx).Do()
	if err != nil {
		return sent.Id, nil // sent succeeded; message-id header lookup failing isn't fatal
	}
	return headerValue(full.Payload, "Message-ID"), nil
}

func (g *GmailGateway) FetchAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	att, err := g.svc.Users.Messages.Attachments.Get(g.user, messageID, attachmentID).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("mail: fetch attachment %s/%s: %w", messageID, attachmentID, err)
	}
	return base64.URLEncoding.DecodeString(att.Data)
}

func encodeRFC822(d Draft) ([]byte, error) {
	var b strings.Builder
	if len(d.To) > 0 {
		fmt.Fprintf(&b, "To: %s\r\n", strings.Join(d.To, ", "))
	}
	if len(d.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\r\n", strings.Join(d.Cc, ", "))
	}
	if len(d.Bcc) > 0 {
		fmt.Fprintf(&b, "Bcc: %s\r\n", strings.Join(d.Bcc, ", "))
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", d.Subject)
	if d.ReplyToMessageID != "" {
		fmt.Fprintf(&b, "In-Reply-To: %s\r\n", d.ReplyToMessageID)
		fmt.Fprintf(&b, "References: %s\r\n", d.ReplyToMessageID)
	}
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n\r\n")
	b.WriteString(d.BodyHTML)
	return []byte(b.String()), nil
}

func decodeMessage(raw *gmail.Message) Message {
	m := Message{
		ThreadID:   raw.ThreadId,
		ReceivedAt: time.UnixMilli(raw.InternalDate),
		Labels:     raw.LabelIds,
	}
	if raw.Payload == nil {
		return m
	}
	m.MessageID = headerValue(raw.Payload, "Message-ID")
	m.InReplyTo = headerValue(raw.Payload, "In-Reply-To")
	m.Subject = headerValue(raw.Payload, "Subject")
	m.From = headerValue(raw.Payload, "From")
	if refs := headerValue(raw.Payload, "References"); refs != "" {
		m.References = strings.Fields(refs)
	}
	if addrs, err := mail.ParseAddressList(headerValue(raw.Payload, "To")); err == nil {
		for _, a := range addrs {
			m.To = append(m.To, a.Address)
		}
	}
	walkParts(raw.Payload, &m)
	return m
}

func walkParts(part *gmail.MessagePart, m *Message) {
	if part == nil {
		return
	}
	if part.Filename != "" && part.Body != nil && part.Body.AttachmentId != "" {
		m.Attachments = append(m.Attachments, Attachment{
			Filename:     part.Filename,
			ContentType:  part.MimeType,
			AttachmentID: part.Body.AttachmentId,
		})
	}
	if part.MimeType == "text/plain" && part.Body != nil && part.Body.Data != "" {
		if data, err := base64.URLEncoding.DecodeString(part.Body.Data); err == nil {
			m.BodyText += string(data)
		}
	}
	for _, child := range part.Parts {
		walkParts(child, m)
	}
}

func headerValue(part *gmail.MessagePart, name string) string {
	if part == nil {
		return ""
	}
	for _, h := range part.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}
