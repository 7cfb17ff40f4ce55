package campaign

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Cycle is one funding round of a recurring campaign.
// A closed cycle always has Raised == Target.
type Cycle struct {
	Campaign string
	Number   int
	Target   int64
	Raised   int64
	Open     bool
	OpenedAt time.Time
	ClosedAt *time.Time
}

// Remaining is the amount still needed to reach the target.
func (c Cycle) Remaining() int64 {
	return max(c.Target-c.Raised, 0)
}

// Ref renders the cycle as "campaign#number".
func (c Cycle) Ref() string {
	return CycleRef(c.Campaign, c.Number)
}

// CycleRef renders a cycle reference without a Cycle value.
func CycleRef(campaign string, n int) string {
	return campaign + "#" + strconv.Itoa(n)
}

// Counter accumulates contributions to an unbounded campaign.
type Counter struct {
	Campaign  string
	Raised    int64
	UpdatedAt time.Time
}

// TallyEntry is one immutable in-kind contribution.
type TallyEntry struct {
	ID             string
	CreatedAt      time.Time
	Campaign       string
	ContributorRef string
	Label          string
	Count          int64
	Channel        Channel
}

// TallyCorrection adjusts a tally total without editing entries.
type TallyCorrection struct {
	ID        string
	EntryID   string
	Campaign  string
	Delta     int64
	AdminRef  string
	Reason    string
	CreatedAt time.Time
}

// SettlementRecord marks a settlement key as applied.
type SettlementRecord struct {
	Key            string
	Campaign       string
	AppliedTo      string
	Amount         int64
	RawAmount      int64
	Channel        Channel
	ContributorRef string
	CreatedAt      time.Time
}

// IntentKind classifies pending intents.
type IntentKind string

// IntentManualTransfer is a self-reported transfer awaiting confirmation.
const IntentManualTransfer IntentKind = "manual_transfer"

// Intent is a one-shot pending action owned by a contributor.
type Intent struct {
	Token          string
	Kind           IntentKind
	ContributorRef string
	Campaign       string
	Channel        Channel
	Amount         int64
	Label          string
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// Expired reports whether the intent can no longer be consumed at now.
func (i Intent) Expired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}

// Rate converts between the shop currency and Stars.
type Rate struct {
	// StarsPerUnit is the number of Stars charged for one currency unit.
	StarsPerUnit decimal.Decimal
	Currency     string
	// MinorPerUnit is the number of minor units in one currency unit, e.g. 100.
	MinorPerUnit int64
	UpdatedAt    time.Time
}

// Valid reports whether the rate can be used for conversions.
func (r Rate) Valid() bool {
	return r.StarsPerUnit.IsPositive() && r.MinorPerUnit > 0 && r.Currency != ""
}
