package domain

type Address struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

type BodyContent struct {
	Text string `json:"text,omitempty"`
	HTML string `json:"html,omitempty"`
}

type AuthResults struct {
	SPF   string `json:"spf,omitempty"`
	DKIM  string `json:"dkim,omitempty"`
	DMARC string `json:"dmarc,omitempty"`
}

type AttachmentMeta struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	ContentID   string `json:"content_id,omitempty"`
}

type MessagePayload struct {
	MessageID   string            `json:"message_id"`
	Mailbox     string            `json:"mailbox"`
	From        *Address          `json:"from,omitempty"`
	To          []Address         `json:"to,omitempty"`
	Subject     string            `json:"subject"`
	Snippet     string            `json:"snippet,omitempty"`
	Body        *BodyContent      `json:"body,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Attachments []AttachmentMeta  `json:"attachments,omitempty"`
	Auth        *AuthResults      `json:"auth,omitempty"`
}

type StoredPayload struct {
	MessageID string   `json:"message_id"`
	Mailbox   string   `json:"mailbox"`
	From      *Address `json:"from,omitempty"`
	Subject   string   `json:"subject"`
	Size      int64    `json:"size"`
}

type DeletedPayload struct {
	MessageID string `json:"message_id"`
	Mailbox   string `json:"mailbox"`
}

// InboundMessage is the raw shape handed to the dispatcher by the ingest
// pipeline. From and To accept either a bare address string or a
// name/address object.
type InboundMessage struct {
	MessageID   string              `json:"message_id"`
	Mailbox     string              `json:"mailbox"`
	From        any                 `json:"from,omitempty"`
	To          any                 `json:"to,omitempty"`
	Subject     string              `json:"subject"`
	Text        string              `json:"text,omitempty"`
	HTML        string              `json:"html,omitempty"`
	Headers     map[string]any      `json:"headers,omitempty"`
	Attachments []InboundAttachment `json:"attachments,omitempty"`
	Auth        *AuthResults        `json:"auth,omitempty"`
	Size        int64               `json:"size,omitempty"`
}

type InboundAttachment struct {
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
	ContentID   string `json:"content_id,omitempty"`
}
