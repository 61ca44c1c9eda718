package tools

import "github.com/modelmux/modelmux/internal/domain"

// Kind classifies a tool call once, so dispatch logic never scatters
// string comparisons.
type Kind int

const (
	// KindExternal is a stored tool executed over HTTP.
	KindExternal Kind = iota

	// KindRecursion delegates the conversation to another profile.
	KindRecursion

	// KindImage generates an image on the profile's image host.
	KindImage
)

// Classify maps a tool name to its kind. The two reserved names are
// handled by the engine directly; everything else resolves through the
// tool repository.
func Classify(name string) Kind {
	switch name {
	case domain.ToolChatRecursion:
		return KindRecursion
	case domain.ToolGenerateImage:
		return KindImage
	default:
		return KindExternal
	}
}
