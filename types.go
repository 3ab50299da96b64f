package creditgate

import (
	"fmt"
	"time"

	"go.jetify.com/typeid/v2"
)

// Flags is a bit set of account capabilities.
type Flags uint32

const (
	FlagDeveloper     Flags = 1
	FlagAdministrator Flags = 2
	FlagModerator     Flags = 4
	FlagSupport       Flags = 8
	FlagPartner       Flags = 16
	FlagVerified      Flags = 32
	FlagBeta          Flags = 64
)

// Has reports whether every bit in f is set.
func (fl Flags) Has(f Flags) bool { return fl&f == f }

// Set returns fl with f set.
func (fl Flags) Set(f Flags) Flags { return fl | f }

// Clear returns fl with f cleared.
func (fl Flags) Clear(f Flags) Flags { return fl &^ f }

// Account is a caller known by a stable identity-provider id.
type Account struct {
	ID                  string     `json:"id"`
	ProviderID          string     `json:"google_id"`
	Email               string     `json:"email"`
	Name                string     `json:"name"`
	Avatar              string     `json:"avatar"`
	Flags               Flags      `json:"flags"`
	Deleted             bool       `json:"deleted"`
	DeletionRequestedAt *time.Time `json:"deletion_requested_at"`
	DeletionReason      *string    `json:"deletion_reason"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Billing is the per-account credit ledger row.
type Billing struct {
	ID            string    `json:"id"`
	AccountID     string    `json:"account_id"`
	Credits       int64     `json:"credits"`
	TotalSpentUSD float64   `json:"total_spent_usd"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TokenType distinguishes access from refresh tokens.
type TokenType string

const (
	TokenAccess  TokenType = "access"
	TokenRefresh TokenType = "refresh"
)

// Claims is the verified content of an identity token.
type Claims struct {
	Subject            string    `json:"sub"`
	ProviderID         string    `json:"provider_id"`
	Type               TokenType `json:"type"`
	IssuedAt           int64     `json:"iat"`
	ExpiresAt          int64     `json:"exp"`
	MaxRequestsPerHour int       `json:"max_requests_per_hour"`
}

// Identity is what an identity provider asserts about a caller after a
// successful code exchange.
type Identity struct {
	Provider       string
	ProviderUserID string
	Email          string
	EmailVerified  bool
	Name           string
	Avatar         string
}

// Message is a single prompt message sent to an invoker.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage reports token usage returned by an invoker.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// SummarizeRequest is a metered summarize call as received from a caller.
type SummarizeRequest struct {
	Token string
	Kind  string
	Text  string
}

// SummarizeResult is returned after a completed, charged summarize call.
type SummarizeResult struct {
	Message          string  `json:"message"`
	Model            string  `json:"model"`
	TokensProcessed  float64 `json:"tokens_processed"`
	CostInCredits    int64   `json:"operation_cost_in_credits"`
	CostInUSD        float64 `json:"operation_cost_in_usd"`
	RemainingCredits int64   `json:"remaining_credits"`
}

// ID prefixes for generated identifiers.
const (
	prefixAccount = "acct"
	prefixBilling = "bill"
)

func newID(prefix string) (string, error) {
	tid, err := typeid.Generate(prefix)
	if err != nil {
		return "", fmt.Errorf("creditgate: generate %s id: %w", prefix, err)
	}
	return tid.String(), nil
}
