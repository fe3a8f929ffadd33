package dispatch

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mailsink/webhookd/internal/domain"
)

const (
	snippetMaxRunes    = 200
	defaultFilename    = "unnamed"
	defaultContentType = "application/octet-stream"
)

// Limits bounds header normalization so a hostile message cannot inflate
// every delivered payload.
type Limits struct {
	MaxHeaders        int
	MaxHeaderValueLen int
}

func DefaultLimits() Limits {
	return Limits{MaxHeaders: 50, MaxHeaderValueLen: 1000}
}

// NormalizeMessage converts a raw inbound message into the canonical
// payload shape subscribers receive. Address fields accept a bare string
// or a name/address object, headers get lowercased keys and size caps,
// and attachments are reduced to metadata.
func NormalizeMessage(msg *domain.InboundMessage, mailbox string, lim Limits) *domain.MessagePayload {
	if msg == nil {
		return &domain.MessagePayload{Mailbox: mailbox}
	}
	if msg.Mailbox != "" {
		mailbox = msg.Mailbox
	}

	out := &domain.MessagePayload{
		MessageID:   msg.MessageID,
		Mailbox:     mailbox,
		From:        normalizeAddress(msg.From),
		To:          normalizeAddressList(msg.To),
		Subject:     msg.Subject,
		Snippet:     Snippet(msg.Text),
		Headers:     normalizeHeaders(msg.Headers, lim),
		Attachments: normalizeAttachments(msg.Attachments),
		Auth:        msg.Auth,
	}
	if msg.Text != "" || msg.HTML != "" {
		out.Body = &domain.BodyContent{Text: msg.Text, HTML: msg.HTML}
	}
	return out
}

func normalizeAddress(v any) *domain.Address {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		if x == "" {
			return nil
		}
		return &domain.Address{Address: x}
	case domain.Address:
		return &x
	case *domain.Address:
		return x
	case map[string]any:
		addr := &domain.Address{}
		if s, ok := x["address"].(string); ok {
			addr.Address = s
		}
		if s, ok := x["name"].(string); ok {
			addr.Name = s
		}
		if addr.Address == "" && addr.Name == "" {
			return nil
		}
		return addr
	}
	return nil
}

func normalizeAddressList(v any) []domain.Address {
	switch x := v.(type) {
	case nil:
		return nil
	case []domain.Address:
		return x
	case []any:
		var out []domain.Address
		for _, item := range x {
			if addr := normalizeAddress(item); addr != nil {
				out = append(out, *addr)
			}
		}
		return out
	default:
		if addr := normalizeAddress(v); addr != nil {
			return []domain.Address{*addr}
		}
	}
	return nil
}

// Snippet collapses whitespace runs to single spaces and truncates to 200
// runes, marking truncation with an ellipsis.
func Snippet(text string) string {
	collapsed := strings.Join(strings.Fields(text), " ")
	runes := []rune(collapsed)
	if len(runes) <= snippetMaxRunes {
		return collapsed
	}
	return string(runes[:snippetMaxRunes]) + "..."
}

// normalizeHeaders lowercases keys and coerces values to bounded strings.
// When the message carries more headers than the cap allows, the keys are
// kept in sorted order so the result is deterministic.
func normalizeHeaders(headers map[string]any, lim Limits) map[string]string {
	if len(headers) == 0 {
		return nil
	}

	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > lim.MaxHeaders {
		keys = keys[:lim.MaxHeaders]
	}

	out := make(map[string]string, len(keys))
	for _, k := range keys {
		v := headerValue(headers[k])
		if len(v) > lim.MaxHeaderValueLen {
			v = v[:lim.MaxHeaderValueLen]
		}
		out[strings.ToLower(k)] = v
	}
	return out
}

func headerValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

func normalizeAttachments(in []domain.InboundAttachment) []domain.AttachmentMeta {
	if len(in) == 0 {
		return nil
	}
	out := make([]domain.AttachmentMeta, 0, len(in))
	for _, a := range in {
		meta := domain.AttachmentMeta{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Size:        a.Size,
			ContentID:   a.ContentID,
		}
		if meta.Filename == "" {
			meta.Filename = defaultFilename
		}
		if meta.ContentType == "" {
			meta.ContentType = defaultContentType
		}
		out = append(out, meta)
	}
	return out
}
