package campaign

import (
	"fmt"
	"slices"
	"strings"
)

// Definition is the static configuration of one campaign.
type Definition struct {
	Key   string `yaml:"key"`
	Title string `yaml:"title"`
	Kind  Kind   `yaml:"kind"`
	Unit  Unit   `yaml:"unit"`
	// CycleLabel names one cycle in messages, e.g. "day" or "batch".
	CycleLabel    string `yaml:"cycle_label"`
	DefaultTarget int64  `yaml:"default_target"`
	// MaxCycles caps recurring campaigns; 0 means unlimited.
	MaxCycles int `yaml:"max_cycles"`
	// UnitPrice is the price of one native unit in currency minor units.
	UnitPrice int64     `yaml:"unit_price"`
	Channels  []Channel `yaml:"channels"`
}

// Accepts reports whether contributions over ch are allowed.
func (d Definition) Accepts(ch Channel) bool {
	if !ch.Valid() {
		return false
	}
	return len(d.Channels) == 0 || slices.Contains(d.Channels, ch)
}

// Capped reports whether n is the last cycle the campaign may open.
func (d Definition) Capped(n int) bool {
	return d.MaxCycles > 0 && n >= d.MaxCycles
}

func (d *Definition) normalize() error {
	d.Key = strings.ToLower(strings.TrimSpace(d.Key))
	if d.Key == "" {
		return fmt.Errorf("campaign key is required")
	}
	if strings.ContainsAny(d.Key, " :#") {
		return fmt.Errorf("campaign %q: key must not contain spaces, ':' or '#'", d.Key)
	}
	if d.Title == "" {
		d.Title = d.Key
	}
	if !d.Kind.Valid() {
		return fmt.Errorf("campaign %q: invalid kind %q", d.Key, d.Kind)
	}
	if d.Unit == "" {
		d.Unit = UnitMinor
		if d.Kind == KindTally {
			d.Unit = UnitPerson
		}
	}
	if !d.Unit.Valid() {
		return fmt.Errorf("campaign %q: invalid unit %q", d.Key, d.Unit)
	}
	if d.Kind == KindRecurring && d.DefaultTarget <= 0 {
		return fmt.Errorf("campaign %q: default_target must be > 0", d.Key)
	}
	if d.MaxCycles < 0 {
		return fmt.Errorf("campaign %q: max_cycles must be >= 0", d.Key)
	}
	if d.UnitPrice < 0 {
		return fmt.Errorf("campaign %q: unit_price must be >= 0", d.Key)
	}
	if d.UnitPrice == 0 {
		d.UnitPrice = 1
	}
	if d.CycleLabel == "" {
		d.CycleLabel = "cycle"
	}
	for _, ch := range d.Channels {
		if !ch.Valid() {
			return fmt.Errorf("campaign %q: %w: %q", d.Key, ErrInvalidChannel, ch)
		}
	}
	return nil
}

// Catalog is an ordered, validated set of campaign definitions.
type Catalog struct {
	defs  []Definition
	byKey map[string]int
}

// NewCatalog validates defs and builds a catalog preserving their order.
func NewCatalog(defs []Definition) (*Catalog, error) {
	c := &Catalog{byKey: make(map[string]int, len(defs))}
	for _, d := range defs {
		if err := d.normalize(); err != nil {
			return nil, err
		}
		if _, dup := c.byKey[d.Key]; dup {
			return nil, fmt.Errorf("duplicate campaign key %q", d.Key)
		}
		c.byKey[d.Key] = len(c.defs)
		c.defs = append(c.defs, d)
	}
	return c, nil
}

// Lookup returns the definition registered under key.
func (c *Catalog) Lookup(key string) (Definition, error) {
	i, ok := c.byKey[strings.ToLower(strings.TrimSpace(key))]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrUnknownCampaign, key)
	}
	return c.defs[i], nil
}

// List returns all definitions in configuration order.
func (c *Catalog) List() []Definition {
	return slices.Clone(c.defs)
}

// OfKind returns the definitions of the given kind.
func (c *Catalog) OfKind(k Kind) []Definition {
	var out []Definition
	for _, d := range c.defs {
		if d.Kind == k {
			out = append(out, d)
		}
	}
	return out
}
