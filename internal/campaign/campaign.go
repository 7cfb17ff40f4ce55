// Package campaign holds the shared vocabulary of the funding ledger: campaign
// definitions, cycle and counter records, settlement records and pending intents.
package campaign

import (
	"errors"
	"fmt"
	"strings"
)

// Kind selects how contributions to a campaign are accounted.
type Kind string

const (
	// KindRecurring campaigns fund a sequence of cycles, each with its own target.
	KindRecurring Kind = "recurring"
	// KindUnbounded campaigns accumulate without a target.
	KindUnbounded Kind = "unbounded"
	// KindTally campaigns count in-kind contributions such as people fed.
	KindTally Kind = "tally"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindRecurring, KindUnbounded, KindTally:
		return true
	}
	return false
}

// Unit is the native unit amounts of a campaign are counted in.
type Unit string

const (
	UnitMinor   Unit = "minor"
	UnitPortion Unit = "portion"
	UnitPerson  Unit = "person"
	UnitLiter   Unit = "liter"
)

// Valid reports whether u is a known unit.
func (u Unit) Valid() bool {
	switch u {
	case UnitMinor, UnitPortion, UnitPerson, UnitLiter:
		return true
	}
	return false
}

// Channel identifies how a contribution was paid.
type Channel string

const (
	// ChannelStars is the in-app digital currency settled by the payment provider.
	ChannelStars  Channel = "stars"
	ChannelBank   Channel = "bank"
	ChannelCard   Channel = "card"
	ChannelCrypto Channel = "crypto"
	ChannelWallet Channel = "ewallet"
)

var allChannels = []Channel{ChannelStars, ChannelBank, ChannelCard, ChannelCrypto, ChannelWallet}

// Channels lists every known channel in display order.
func Channels() []Channel {
	return append([]Channel(nil), allChannels...)
}

// ParseChannel converts user input into a Channel.
func ParseChannel(s string) (Channel, error) {
	c := Channel(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidChannel, s)
	}
	return c, nil
}

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	for _, known := range allChannels {
		if c == known {
			return true
		}
	}
	return false
}

// Manual reports whether contributions over c are self-reported by the contributor.
func (c Channel) Manual() bool {
	return c.Valid() && c != ChannelStars
}

var (
	ErrInvalidAmount   = errors.New("amount must be positive")
	ErrUnknownCampaign = errors.New("unknown campaign")
	ErrUnknownCycle    = errors.New("unknown cycle")
	ErrCycleClosed     = errors.New("cycle is closed")
	ErrWrongKind       = errors.New("operation not supported for campaign kind")
	ErrInvalidLabel    = errors.New("invalid label")
	ErrInvalidChannel  = errors.New("invalid channel")
)
