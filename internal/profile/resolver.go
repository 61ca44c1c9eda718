// Package profile resolves a stored profile and a per-request override
// into one effective configuration, including the synthesized system
// tools.
package profile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/modelmux/modelmux/internal/domain"
	"github.com/modelmux/modelmux/internal/storage"
)

// Resolver loads stored profiles and applies request overrides.
type Resolver struct {
	profiles storage.ProfileRepository
}

// NewResolver creates a resolver over the profile repository.
func NewResolver(profiles storage.ProfileRepository) *Resolver {
	return &Resolver{profiles: profiles}
}

// ResolveProfile loads the stored profile named by the override and
// merges the two. The stored profile must exist; everything else is
// best effort.
func (r *Resolver) ResolveProfile(ctx context.Context, override domain.Profile) (domain.Profile, error) {
	stored, err := r.profiles.GetProfile(ctx, override.Name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Profile{}, domain.ErrNotFound(fmt.Sprintf("profile %q not found", override.Name))
		}
		return domain.Profile{}, fmt.Errorf("load profile %q: %w", override.Name, err)
	}

	effective := Merge(*stored, override)
	SynthesizeSystemTools(&effective)
	return effective, nil
}

// Merge applies the override on top of the stored profile. For every
// field the override value wins when set; otherwise the stored value is
// kept. Reference profiles are unioned rather than replaced.
func Merge(stored, override domain.Profile) domain.Profile {
	out := stored

	if override.Host != "" {
		out.Host = override.Host
	}
	if override.ImageHost != "" {
		out.ImageHost = override.ImageHost
	}
	if override.Model != "" {
		out.Model = override.Model
	}
	if override.System != "" {
		out.System = override.System
	}
	if override.MaxTokens != 0 {
		out.MaxTokens = override.MaxTokens
	}
	if override.Temperature != nil {
		out.Temperature = override.Temperature
	}
	if override.TopP != nil {
		out.TopP = override.TopP
	}
	if override.FrequencyPenalty != nil {
		out.FrequencyPenalty = override.FrequencyPenalty
	}
	if override.PresencePenalty != nil {
		out.PresencePenalty = override.PresencePenalty
	}
	if len(override.Stop) > 0 {
		out.Stop = override.Stop
	}
	if override.Logprobs {
		out.Logprobs = true
	}
	if override.TopLogprobs != 0 {
		out.TopLogprobs = override.TopLogprobs
	}
	if override.ToolChoice != "" {
		out.ToolChoice = override.ToolChoice
	}
	if override.MaxMessageHistory != 0 {
		out.MaxMessageHistory = override.MaxMessageHistory
	}
	if override.RagDatabase != "" {
		out.RagDatabase = override.RagDatabase
	}
	if len(override.Tools) > 0 {
		out.Tools = override.Tools
	}

	out.ReferenceProfiles = unionStrings(stored.ReferenceProfiles, override.ReferenceProfiles)
	return out
}

// SynthesizeSystemTools appends the built-in tools the effective profile
// qualifies for. Neither tool is ever duplicated.
func SynthesizeSystemTools(p *domain.Profile) {
	if len(p.ReferenceProfiles) > 0 && !p.HasTool(domain.ToolChatRecursion) {
		p.Tools = append(p.Tools, recursionTool(p.ReferenceProfiles))
	}

	imageHost := p.ImageHost
	if imageHost == "" {
		imageHost = p.Host
	}
	if imageHost != domain.HostAnthropic && imageHost != domain.HostNone && !p.HasTool(domain.ToolGenerateImage) {
		p.Tools = append(p.Tools, imageTool())
	}
}

func recursionTool(referenceProfiles []string) domain.Tool {
	return domain.Tool{
		Name:        domain.ToolChatRecursion,
		Description: "Delegate the rest of the conversation to another assistant when it is better suited to respond.",
		Parameters: domain.ToolParameters{
			Type: "object",
			Properties: map[string]domain.ToolProperty{
				domain.RecursionArgumentKey: {
					Type:        "string",
					Description: "Name of the assistant that should respond next. One of: " + strings.Join(referenceProfiles, ", "),
				},
			},
			Required: []string{domain.RecursionArgumentKey},
		},
	}
}

func imageTool() domain.Tool {
	return domain.Tool{
		Name:        domain.ToolGenerateImage,
		Description: "Generate an image from a detailed text description.",
		Parameters: domain.ToolParameters{
			Type: "object",
			Properties: map[string]domain.ToolProperty{
				"prompt": {
					Type:        "string",
					Description: "A detailed description of the image to generate.",
				},
			},
			Required: []string{"prompt"},
		},
	}
}

func unionStrings(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
