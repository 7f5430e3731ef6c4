package domain

import (
	"fmt"
	"time"
)

// Selection records the choice of one option for one variation block.
type Selection struct {
	BlockIndex  int    `json:"block_index"`
	OptionIndex int    `json:"option_index"`
	OptionText  string `json:"option_text"`
}

// VariationLogEntry is one row of the append-only variation log. An entry
// is written for every successful send whose template had at least one
// variation block. Delivery flags only ever go false -> true.
type VariationLogEntry struct {
	ID          string      `json:"id"`
	CampaignID  string      `json:"campaign_id,omitempty"`
	MessageID   string      `json:"message_id,omitempty"` // provider message id
	AccountID   string      `json:"account_id"`
	TemplateRaw string      `json:"template_raw"`
	Selections  []Selection `json:"selections"`
	Recipient   string      `json:"recipient"`
	SentAt      time.Time   `json:"sent_at"`
	Delivered   bool        `json:"delivered"`
	Read        bool        `json:"read"`
}

// Validate checks entry invariants against the given per-block option counts.
// optionCounts may be nil when the caller has no parsed template at hand.
func (e *VariationLogEntry) Validate(optionCounts []int) error {
	if e.AccountID == "" {
		return fmt.Errorf("account_id is required")
	}
	if e.Recipient == "" {
		return fmt.Errorf("recipient is required")
	}
	for _, s := range e.Selections {
		if s.BlockIndex < 0 || (optionCounts != nil && s.BlockIndex >= len(optionCounts)) {
			return fmt.Errorf("selection block_index %d out of range", s.BlockIndex)
		}
		if s.OptionIndex < 0 || (optionCounts != nil && s.OptionIndex >= optionCounts[s.BlockIndex]) {
			return fmt.Errorf("selection option_index %d out of range for block %d", s.OptionIndex, s.BlockIndex)
		}
	}
	return nil
}

// AccountPlan carries the per-account quota limits. Plans are maintained by
// the billing collaborator; the engine only reads them.
type AccountPlan struct {
	AccountID      string    `json:"account_id"`
	SendsPerMinute int       `json:"sends_per_minute"`
	SendsPerDay    int       `json:"sends_per_day"`
	OwnerEmail     string    `json:"owner_email,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}
