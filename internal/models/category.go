package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Brief kinds. A category's kind selects the typed requirements variant.
const (
	BriefLogo         = "logo"
	BriefSocialMedia  = "social_media"
	BriefIllustration = "illustration"
	BriefGeneric      = "generic"
)

// Category is a commissionable kind of design work with its credit price.
type Category struct {
	Name         string    `json:"name" yaml:"name"`
	Kind         string    `json:"kind" yaml:"kind"`
	Description  string    `json:"description" yaml:"description"`
	CreditCost   int       `json:"credit_cost" yaml:"credit_cost"`
	MaxRevisions int       `json:"max_revisions" yaml:"max_revisions"`
	Schema       string    `json:"schema" yaml:"schema"`
	UpdatedAt    time.Time `json:"updated_at" yaml:"-"`
}

// Brief is the parsed, strongly typed requirements payload of a task.
type Brief interface {
	Kind() string
	// Summary is a one-line description used in notifications.
	Summary() string
}

type LogoBrief struct {
	BrandName string   `json:"brand_name"`
	Industry  string   `json:"industry,omitempty"`
	Style     string   `json:"style,omitempty"`
	Colors    []string `json:"colors,omitempty"`
}

func (LogoBrief) Kind() string      { return BriefLogo }
func (b LogoBrief) Summary() string { return "Logo for " + b.BrandName }

type SocialMediaBrief struct {
	Platform string `json:"platform"`
	Format   string `json:"format,omitempty"`
	Count    int    `json:"count"`
	Copy     string `json:"copy,omitempty"`
}

func (SocialMediaBrief) Kind() string { return BriefSocialMedia }
func (b SocialMediaBrief) Summary() string {
	return fmt.Sprintf("%d %s post(s)", b.Count, b.Platform)
}

type IllustrationBrief struct {
	Subject    string `json:"subject"`
	Dimensions string `json:"dimensions,omitempty"`
	Style      string `json:"style,omitempty"`
}

func (IllustrationBrief) Kind() string      { return BriefIllustration }
func (b IllustrationBrief) Summary() string { return "Illustration: " + b.Subject }

type GenericBrief struct {
	Description string `json:"description"`
}

func (GenericBrief) Kind() string { return BriefGeneric }
func (b GenericBrief) Summary() string {
	s := strings.TrimSpace(b.Description)
	if r := []rune(s); len(r) > 80 {
		return string(r[:80]) + "…"
	}
	return s
}

// ParseBrief decodes an already schema-validated requirements payload into its typed variant.
func ParseBrief(kind string, raw json.RawMessage) (Brief, error) {
	var (
		brief Brief
		err   error
	)
	switch kind {
	case BriefLogo:
		var b LogoBrief
		err = json.Unmarshal(raw, &b)
		brief = b
	case BriefSocialMedia:
		var b SocialMediaBrief
		err = json.Unmarshal(raw, &b)
		brief = b
	case BriefIllustration:
		var b IllustrationBrief
		err = json.Unmarshal(raw, &b)
		brief = b
	case BriefGeneric:
		var b GenericBrief
		err = json.Unmarshal(raw, &b)
		brief = b
	default:
		return nil, NewValidationError("kind", "unknown brief kind %q", kind)
	}
	if err != nil {
		return nil, NewValidationError("requirements", "%v", err)
	}
	return brief, nil
}
