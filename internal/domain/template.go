package domain

const (
	TemplateDefault    = "default"
	MaxTemplateBodyLen = 10000
)

type TemplateConfig struct {
	Name        string `json:"name,omitempty"`
	Body        string `json:"body,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}
