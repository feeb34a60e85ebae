package prompt

import (
	_ "embed"
	"strings"
)

var (
	//go:embed template/pharmacist.txt
	pharmacistRaw string
)

// PromptSet holds loaded prompt content.
type PromptSet struct {
	// Pharmacist is an FString template with {customer_id} and {today}.
	Pharmacist string
}

// LoadPromptSet returns a PromptSet with trimmed prompt strings.
func LoadPromptSet() PromptSet {
	return PromptSet{
		Pharmacist: strings.TrimSpace(pharmacistRaw),
	}
}
