package models

// Params is the generation configuration attached to a prompt handle.
// Immutable once set; the worker applies DefaultParams when absent.
type Params struct {
	Temperature      float64  `json:"temperature"`
	MaxNewTokens     int      `json:"max_new_tokens"`
	ContextLength    int      `json:"context_length"`
	EnableTopKFilter bool     `json:"enable_top_k_filter"`
	TopKLimit        int      `json:"top_k_limit"`
	EnableTopPFilter bool     `json:"enable_top_p_filter"`
	TopPThreshold    float64  `json:"top_p_threshold"`
	StopStrings      []string `json:"stop_strings,omitempty"`
	SystemPrompt     string   `json:"system_prompt,omitempty"`
}

// DefaultParams returns the generation defaults applied when a handle
// carries no params of its own.
func DefaultParams() *Params {
	return &Params{
		Temperature:      0.7,
		MaxNewTokens:     1024,
		ContextLength:    8096,
		EnableTopKFilter: true,
		TopKLimit:        50,
		EnableTopPFilter: true,
		TopPThreshold:    0.7,
	}
}
