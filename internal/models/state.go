package models

// StateDocument is the wholesale persisted form of the card collection.
// The entire document is serialized and rewritten on every mutation;
// timestamps round-trip as RFC 3339 strings.
type StateDocument struct {
	Cards             []Card             `json:"cards"`
	RedemptionHistory []RedemptionRecord `json:"redemptionHistory"`
	UserBalance       float64            `json:"userBalance"`
	EscalationCounter int                `json:"escalationCounter"`
}
