package domain

const (
	FilterModeAll = "all"
	FilterModeAny = "any"
)

const (
	OpEquals     = "equals"
	OpContains   = "contains"
	OpStartsWith = "starts_with"
	OpEndsWith   = "ends_with"
	OpDomain     = "domain"
	OpRegex      = "regex"
	OpExists     = "exists"
)

const MaxFilterRules = 10

type FilterConfig struct {
	Rules       []FilterRule `json:"rules,omitempty"`
	Mode        string       `json:"mode,omitempty"`
	RequireAuth *bool        `json:"require_auth,omitempty"`
}

type FilterRule struct {
	Field         string `json:"field"`
	Operator      string `json:"operator"`
	Value         string `json:"value,omitempty"`
	CaseSensitive bool   `json:"case_sensitive,omitempty"`
}
