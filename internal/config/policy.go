package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	yaml "go.yaml.in/yaml/v3"
)

// policyOverlay mirrors Broadcast with optional fields, so a file only
// overrides what it names.
type policyOverlay struct {
	Timezone              *string  `yaml:"timezone"`
	DailyLimit            *int     `yaml:"daily_limit"`
	HourlyLimit           *int     `yaml:"hourly_limit"`
	CooldownMinutes       *int     `yaml:"cooldown_minutes"`
	BypassRoles           []string `yaml:"bypass_roles"`
	Cost                  *int64   `yaml:"cost"`
	DefaultRecipients     *int     `yaml:"default_recipients"`
	MaxRecipients         *int     `yaml:"max_recipients"`
	MaxFilteredRecipients *int     `yaml:"max_filtered_recipients"`
	SelectionStrategy     *string  `yaml:"selection_strategy"`
	CandidatePoolLimit    *int     `yaml:"candidate_pool_limit"`
	FanoutMode            *string  `yaml:"fanout_mode"`
	ContentTypes          []string `yaml:"content_types"`
	DefaultCaption        *string  `yaml:"default_caption"`
}

func (b *Broadcast) applyPolicyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}
	if err := b.applyPolicy(data); err != nil {
		return fmt.Errorf("policy file %s: %w", path, err)
	}
	return nil
}

func (b *Broadcast) applyPolicy(data []byte) error {
	var o policyOverlay
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&o); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode yaml: %w", err)
	}

	setIf(&b.Timezone, o.Timezone)
	setIf(&b.DailyLimit, o.DailyLimit)
	setIf(&b.HourlyLimit, o.HourlyLimit)
	setIf(&b.CooldownMinutes, o.CooldownMinutes)
	setIf(&b.Cost, o.Cost)
	setIf(&b.DefaultRecipients, o.DefaultRecipients)
	setIf(&b.MaxRecipients, o.MaxRecipients)
	setIf(&b.MaxFilteredRecipients, o.MaxFilteredRecipients)
	setIf(&b.SelectionStrategy, o.SelectionStrategy)
	setIf(&b.CandidatePoolLimit, o.CandidatePoolLimit)
	setIf(&b.FanoutMode, o.FanoutMode)
	setIf(&b.DefaultCaption, o.DefaultCaption)
	if o.BypassRoles != nil {
		b.BypassRoles = o.BypassRoles
	}
	if o.ContentTypes != nil {
		b.ContentTypes = o.ContentTypes
	}
	return nil
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}
