// Package strategy decides which speech-to-text engine handles a request and
// races the primary against a latency budget with one-shot escalation to a
// high-accuracy fallback.
package strategy

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

// Tier is the quality tier of the requesting account.
type Tier string

const (
	TierFree    Tier = "free"
	TierPro     Tier = "pro"
	TierPremium Tier = "premium"
)

// Context carries the request attributes the policy decides on.
type Context struct {
	Tier    Tier
	Preview bool

	// Language is the requested language code. Empty or "auto" triggers the
	// language probe.
	Language string

	// FallbackEnabled lets the caller opt out of escalation even when the
	// tier allows it.
	FallbackEnabled bool

	// GuaranteedAccuracy requests the high-accuracy engine directly with no
	// fallback. Only honored for tiers the policy names, and never for
	// previews.
	GuaranteedAccuracy bool
}

// Decision is the resolved execution plan for one request. Every combination
// of Context inputs maps to exactly one Decision.
type Decision struct {
	// Guaranteed means: run the accurate engine alone, surface its failure.
	Guaranteed bool

	// Probe means the language is unknown and a probe should run first.
	Probe bool

	// Fallback enables escalation to the accurate engine.
	Fallback bool

	// SLOTimeout bounds how long the primary is awaited. Zero means no timer.
	SLOTimeout time.Duration

	// Language is the normalized language code, empty for auto.
	Language string
}

// SLOEntry holds the latency budgets for one tier.
type SLOEntry struct {
	Preview time.Duration `yaml:"preview"`
	Full    time.Duration `yaml:"full"`
}

// Policy maps request attributes to engine decisions. The zero value is not
// usable; start from DefaultPolicy or LoadPolicy.
type Policy struct {
	SLO             map[Tier]SLOEntry `yaml:"slo"`
	FallbackTiers   []Tier            `yaml:"fallback_tiers"`
	GuaranteedTiers []Tier            `yaml:"guaranteed_tiers"`
}

// DefaultPolicy returns the built-in policy table.
func DefaultPolicy() *Policy {
	return &Policy{
		SLO: map[Tier]SLOEntry{
			TierFree:    {Preview: 8 * time.Second, Full: 20 * time.Second},
			TierPro:     {Preview: 10 * time.Second, Full: 45 * time.Second},
			TierPremium: {Preview: 12 * time.Second, Full: 90 * time.Second},
		},
		FallbackTiers:   []Tier{TierPro, TierPremium},
		GuaranteedTiers: []Tier{TierPremium},
	}
}

// LoadPolicy reads a YAML policy file and overlays it on the defaults. Only
// the sections present in the file are replaced.
func LoadPolicy(path string) (*Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}

	var overlay Policy
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}

	for tier, slo := range overlay.SLO {
		p.SLO[tier] = slo
	}
	if overlay.FallbackTiers != nil {
		p.FallbackTiers = overlay.FallbackTiers
	}
	if overlay.GuaranteedTiers != nil {
		p.GuaranteedTiers = overlay.GuaranteedTiers
	}
	return p, nil
}

// Decide resolves the execution plan for one request. It is a pure function
// of the context; in particular the SLO depends on tier and preview flag
// only, never on measured input duration.
func (p *Policy) Decide(ctx Context) Decision {
	lang := NormalizeLanguage(ctx.Language)

	if ctx.GuaranteedAccuracy && !ctx.Preview && p.allowsGuaranteed(ctx.Tier) {
		return Decision{Guaranteed: true, Language: lang}
	}

	d := Decision{
		Probe:      lang == "",
		Fallback:   ctx.FallbackEnabled && p.allowsFallback(ctx.Tier),
		SLOTimeout: p.sloFor(ctx.Tier, ctx.Preview),
		Language:   lang,
	}
	return d
}

func (p *Policy) sloFor(tier Tier, preview bool) time.Duration {
	entry, ok := p.SLO[tier]
	if !ok {
		entry = p.SLO[TierFree]
	}
	if preview {
		return entry.Preview
	}
	return entry.Full
}

func (p *Policy) allowsFallback(tier Tier) bool {
	for _, t := range p.FallbackTiers {
		if t == tier {
			return true
		}
	}
	return false
}

func (p *Policy) allowsGuaranteed(tier Tier) bool {
	for _, t := range p.GuaranteedTiers {
		if t == tier {
			return true
		}
	}
	return false
}

// NormalizeLanguage canonicalizes a user-supplied language code to its base
// subtag ("zh-CN" -> "zh", "EN" -> "en"). "auto", "unknown" and anything
// unparseable normalize to the empty string, meaning auto-detect.
func NormalizeLanguage(code string) string {
	switch code {
	case "", "auto", "unknown":
		return ""
	}
	tag, err := language.Parse(code)
	if err != nil {
		return ""
	}
	base, conf := tag.Base()
	if conf == language.No {
		return ""
	}
	return base.String()
}
