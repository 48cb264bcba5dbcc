// Package profiles is the static registry of site automation profiles. Each
// profile describes how to locate a chat input on a target site, how to
// insert text so the site's framework notices, how to submit, and how to
// start a fresh conversation. Unknown sites get a generic fallback profile,
// so resolution never fails.
package profiles

import "strings"

// InputStrategy selects how text is inserted into the located input element.
type InputStrategy int

const (
	// StrategySetValue writes through the native value property setter and
	// dispatches input/change events. For plain textarea/input controls.
	StrategySetValue InputStrategy = iota
	// StrategyInsertText focuses the element, selects its content and uses
	// the browser's native insert-text command. Required for contenteditable
	// editors whose frameworks ignore property assignment.
	StrategyInsertText
	// StrategySetTextContent clears the element and assigns textContent,
	// then dispatches an input event.
	StrategySetTextContent
	// StrategyPaste synthesizes a clipboard paste event carrying the text.
	StrategyPaste
	// StrategyRebuild is the two-phase variant for sites that replace the
	// page DOM after the first submission: the input is re-resolved after a
	// retry delay when missing, focused before insertion, and re-resolved
	// again immediately before the submit key sequence.
	StrategyRebuild
)

// NewChatMode identifies which new-conversation strategy a profile uses.
// Exactly one is active per profile, by fixed precedence:
// navigation URL > keyboard shortcut > selector/keyword search.
type NewChatMode int

const (
	NewChatNavigate NewChatMode = iota
	NewChatShortcut
	NewChatSearch
)

// Shortcut is a keyboard chord dispatched on the document.
type Shortcut struct {
	Key   string
	Ctrl  bool
	Shift bool
	Alt   bool
	Meta  bool
}

// Profile is one site's automation recipe.
type Profile struct {
	Name string

	// InputSelectors are tried in order; the first present, visible match
	// outside any aria-hidden subtree wins.
	InputSelectors []string
	// SubmitSelectors locate the send control, same first-visible policy.
	SubmitSelectors []string

	Strategy InputStrategy
	// EnterToSubmit prefers a synthesized Enter key sequence over clicking
	// the submit control. When a submit selector also exists, the generated
	// script retries via click shortly after as a fallback.
	EnterToSubmit bool

	// New-conversation strategy fields; see NewChat for precedence.
	NewChatURL      string
	NewChatShortcut *Shortcut
	NewChatLabel    string
	NewChatKeywords []string
}

// NewChat returns the single active new-conversation mode for this profile.
func (p Profile) NewChat() NewChatMode {
	switch {
	case p.NewChatURL != "":
		return NewChatNavigate
	case p.NewChatShortcut != nil:
		return NewChatShortcut
	default:
		return NewChatSearch
	}
}

// FallbackKeywords cover the common labelings of a "new conversation" action
// across chat sites. The search script falls back to these when a profile's
// exact label is absent from the page.
var FallbackKeywords = []string{
	"New chat", "New Chat", "New conversation", "Start new chat",
}

// registry maps a lowercased name fragment to its profile. Lookup is a
// best-effort substring match on the target's display name, so user renames
// like "ChatGPT (work)" still resolve.
var registry = map[string]Profile{
	"chatgpt": {
		Name:           "ChatGPT",
		InputSelectors: []string{"#prompt-textarea", "div[contenteditable='true'].ProseMirror", "textarea[data-testid='prompt-textarea']"},
		SubmitSelectors: []string{
			"button[data-testid='send-button']",
			"button[aria-label='Send prompt']",
		},
		Strategy:        StrategyInsertText,
		EnterToSubmit:   true,
		NewChatShortcut: &Shortcut{Key: "O", Ctrl: true, Shift: true},
	},
	"claude": {
		Name:           "Claude",
		InputSelectors: []string{"div[contenteditable='true'].ProseMirror", "div[contenteditable='true'][aria-label*='prompt']"},
		SubmitSelectors: []string{
			"button[aria-label='Send message']",
			"button[aria-label='Send Message']",
		},
		Strategy:      StrategyInsertText,
		EnterToSubmit: true,
		NewChatURL:    "https://claude.ai/new",
	},
	// Gemini rebuilds the page DOM after the first message lands, so it gets
	// the two-phase strategy rather than a special case in the generator.
	"gemini": {
		Name:           "Gemini",
		InputSelectors: []string{"div.ql-editor[contenteditable='true']", "rich-textarea div[contenteditable='true']"},
		SubmitSelectors: []string{
			"button.send-button",
			"button[aria-label='Send message']",
		},
		Strategy:      StrategyRebuild,
		EnterToSubmit: true,
		NewChatURL:    "https://gemini.google.com/app",
	},
	"deepseek": {
		Name:           "DeepSeek",
		InputSelectors: []string{"textarea#chat-input", "textarea[placeholder*='Message']"},
		SubmitSelectors: []string{
			"div[role='button'][aria-disabled='false']",
		},
		Strategy:      StrategySetValue,
		EnterToSubmit: true,
		NewChatLabel:  "New chat",
	},
	"grok": {
		Name:           "Grok",
		InputSelectors: []string{"textarea[aria-label='Ask Grok anything']", "textarea"},
		SubmitSelectors: []string{
			"button[type='submit']",
			"button[aria-label='Submit']",
		},
		Strategy:      StrategySetValue,
		EnterToSubmit: true,
		NewChatURL:    "https://grok.com/",
	},
	"perplexity": {
		Name:           "Perplexity",
		InputSelectors: []string{"textarea[placeholder*='Ask']", "div[contenteditable='true']"},
		SubmitSelectors: []string{
			"button[aria-label='Submit']",
		},
		Strategy:      StrategySetValue,
		EnterToSubmit: true,
		NewChatURL:    "https://www.perplexity.ai/",
	},
	"copilot": {
		Name:           "Copilot",
		InputSelectors: []string{"textarea#userInput", "textarea[placeholder*='Message Copilot']"},
		SubmitSelectors: []string{
			"button[aria-label='Submit message']",
		},
		Strategy:      StrategySetValue,
		EnterToSubmit: true,
		NewChatLabel:  "Start new chat",
	},
	"kimi": {
		Name:            "Kimi",
		InputSelectors:  []string{"div[contenteditable='true'].chat-input-editor", "div[contenteditable='true']"},
		SubmitSelectors: []string{"button.send-button"},
		Strategy:        StrategyPaste,
		EnterToSubmit:   false,
		NewChatKeywords: FallbackKeywords,
	},
}

// Fallback is the generic profile used when no registry entry matches. Its
// selectors cover the common input shapes and its script decides between
// editable-content and value insertion at runtime.
var Fallback = Profile{
	Name:           "generic",
	InputSelectors: []string{"textarea", "div[contenteditable='true']", "input[type='text']"},
	SubmitSelectors: []string{
		"button[type='submit']",
		"button[aria-label*='Send']",
		"button[aria-label*='send']",
	},
	Strategy:        StrategySetValue,
	EnterToSubmit:   false,
	NewChatKeywords: FallbackKeywords,
}

// lookupOrder fixes the probe order so resolution is deterministic even for
// display names that mention more than one known site.
var lookupOrder = []string{
	"chatgpt", "claude", "gemini", "deepseek", "grok", "perplexity", "copilot", "kimi",
}

// Resolve maps an AI target's display name to its automation profile. The
// match is case-insensitive and substring based; unmatched names receive the
// generic fallback. Resolution is pure and never fails.
func Resolve(displayName string) Profile {
	name := strings.ToLower(strings.TrimSpace(displayName))
	for _, key := range lookupOrder {
		if strings.Contains(name, key) {
			return registry[key]
		}
	}
	// "Google AI" style names resolve to the Gemini profile.
	if strings.Contains(name, "google") {
		return registry["gemini"]
	}
	return Fallback
}
