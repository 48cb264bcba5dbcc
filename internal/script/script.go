// Package script turns automation profiles into executable page scripts.
// The core works with structured plans (selector lists, strategy, payload);
// the JavaScript text is only produced at the execution boundary by Compile.
//
// Compiled scripts are self-contained async IIFEs that resolve to a boolean.
// Every internal failure is caught and surfaces as false; nothing ever throws
// past the script boundary.
package script

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openmux/omnichat/internal/profiles"
)

// SendPlan describes one message delivery for one target site.
type SendPlan struct {
	Text     string
	Input    []string
	Submit   []string
	Strategy profiles.InputStrategy
	// EnterToSubmit prefers the synthesized Enter sequence; when Submit
	// selectors also exist, a click fallback fires after the submit delay.
	EnterToSubmit bool
	// SubmitDelayMs is the settle wait between insertion and submission,
	// letting the site's reactive framework process the simulated input.
	SubmitDelayMs int
	// RetryDelayMs is the re-resolution wait used by the two-phase strategy.
	RetryDelayMs int
}

// PlanSend builds the send plan for a profile and payload.
func PlanSend(text string, p profiles.Profile, submitDelayMs, retryDelayMs int) SendPlan {
	return SendPlan{
		Text:          text,
		Input:         p.InputSelectors,
		Submit:        p.SubmitSelectors,
		Strategy:      p.Strategy,
		EnterToSubmit: p.EnterToSubmit,
		SubmitDelayMs: submitDelayMs,
		RetryDelayMs:  retryDelayMs,
	}
}

// NewChatPlan describes one new-conversation trigger for one target site.
type NewChatPlan struct {
	Mode     profiles.NewChatMode
	URL      string
	Shortcut *profiles.Shortcut
	Label    string
	Keywords []string
}

// PlanNewChat builds the new-conversation plan for a profile, applying the
// strategy precedence and defaulting the keyword list.
func PlanNewChat(p profiles.Profile) NewChatPlan {
	plan := NewChatPlan{
		Mode:     p.NewChat(),
		URL:      p.NewChatURL,
		Shortcut: p.NewChatShortcut,
		Label:    p.NewChatLabel,
		Keywords: p.NewChatKeywords,
	}
	if len(plan.Keywords) == 0 {
		plan.Keywords = profiles.FallbackKeywords
	}
	return plan
}

// jsPrelude declares the DOM helpers shared by compiled scripts. An element
// qualifies only when it has a layout box and no aria-hidden ancestor.
const jsPrelude = `
	const __sleep = (ms) => new Promise((r) => setTimeout(r, ms));
	const __visible = (el) => {
		if (!el || !el.getBoundingClientRect) { return false; }
		const rect = el.getBoundingClientRect();
		if (!rect || (rect.width === 0 && rect.height === 0)) { return false; }
		for (let n = el; n; n = n.parentElement) {
			if (n.getAttribute && n.getAttribute('aria-hidden') === 'true') { return false; }
		}
		return true;
	};
	const __find = (selectors) => {
		for (const sel of selectors) {
			let matches;
			try { matches = document.querySelectorAll(sel); } catch (e) { continue; }
			for (const el of matches) {
				if (__visible(el)) { return el; }
			}
		}
		return null;
	};
	const __findEnabled = (selectors) => {
		for (const sel of selectors) {
			let matches;
			try { matches = document.querySelectorAll(sel); } catch (e) { continue; }
			for (const el of matches) {
				if (__visible(el) && !el.disabled && el.getAttribute('aria-disabled') !== 'true') { return el; }
			}
		}
		return null;
	};
	const __fire = (el, type) => el.dispatchEvent(new Event(type, { bubbles: true }));
	const __enter = (target) => {
		for (const type of ['keydown', 'keypress', 'keyup']) {
			target.dispatchEvent(new KeyboardEvent(type, {
				key: 'Enter', code: 'Enter', keyCode: 13, which: 13,
				bubbles: true, cancelable: true,
			}));
		}
	};
`

// Compile renders the plan to its page script. The same plan always compiles
// to the same text.
func (p SendPlan) Compile() string {
	var b strings.Builder
	b.WriteString("(async () => {\n\ttry {\n")
	b.WriteString(jsPrelude)

	fmt.Fprintf(&b, "\t\tconst __input = %s;\n", jsonEncode(p.Input))
	fmt.Fprintf(&b, "\t\tconst __submit = %s;\n", jsonEncode(p.Submit))
	fmt.Fprintf(&b, "\t\tconst __text = %s;\n", jsonEncode(p.Text))

	b.WriteString("\t\tlet el = __find(__input);\n")
	if p.Strategy == profiles.StrategyRebuild {
		// The site may still be rebuilding its DOM after a prior submission.
		fmt.Fprintf(&b, "\t\tif (!el) { await __sleep(%d); el = __find(__input); }\n", p.RetryDelayMs)
	}
	b.WriteString("\t\tif (!el) { return false; }\n")

	b.WriteString(p.insertJS())

	fmt.Fprintf(&b, "\t\tawait __sleep(%d);\n", p.SubmitDelayMs)

	if p.Strategy == profiles.StrategyRebuild {
		// The reference captured during insertion may already be stale.
		b.WriteString("\t\tel = __find(__input) || el;\n")
	}

	b.WriteString(p.submitJS())

	b.WriteString("\t\treturn true;\n\t} catch (e) {\n\t\treturn false;\n\t}\n})()")
	return b.String()
}

// insertJS renders the strategy-specific text insertion. Plain property
// assignment does not notify reactive frameworks, so each path either goes
// through the native insert-text command or the native property setter plus
// explicit events.
func (p SendPlan) insertJS() string {
	const insertText = `		el.focus();
		document.execCommand('selectAll', false, null);
		document.execCommand('insertText', false, __text);
`
	const setValue = `		const proto = el instanceof HTMLTextAreaElement
			? HTMLTextAreaElement.prototype : HTMLInputElement.prototype;
		const desc = Object.getOwnPropertyDescriptor(proto, 'value');
		if (desc && desc.set) { desc.set.call(el, __text); } else { el.value = __text; }
		__fire(el, 'input');
		__fire(el, 'change');
`

	switch p.Strategy {
	case profiles.StrategyInsertText, profiles.StrategyRebuild:
		return insertText
	case profiles.StrategySetTextContent:
		return `		el.focus();
		el.textContent = __text;
		__fire(el, 'input');
`
	case profiles.StrategyPaste:
		return `		el.focus();
		document.execCommand('selectAll', false, null);
		const dt = new DataTransfer();
		dt.setData('text/plain', __text);
		el.dispatchEvent(new ClipboardEvent('paste', { clipboardData: dt, bubbles: true, cancelable: true }));
`
	default:
		// Generic selectors can land on either control shape, so decide at
		// runtime.
		return "\t\tif (el.isContentEditable) {\n" + insertText + "\t\t} else {\n" + setValue + "\t\t}\n"
	}
}

func (p SendPlan) submitJS() string {
	if p.EnterToSubmit {
		var b strings.Builder
		b.WriteString("\t\t__enter(el);\n\t\t__enter(document);\n")
		if len(p.Submit) > 0 {
			// Some sites swallow synthetic key events; the click lands shortly
			// after as a fallback.
			fmt.Fprintf(&b, "\t\tsetTimeout(() => { const btn = __findEnabled(__submit); if (btn) { btn.click(); } }, %d);\n", p.SubmitDelayMs)
		}
		return b.String()
	}
	return `		const btn = __findEnabled(__submit);
		if (!btn) { return false; }
		btn.click();
`
}

// Compile renders the new-conversation plan to its page script.
func (p NewChatPlan) Compile() string {
	switch p.Mode {
	case profiles.NewChatNavigate:
		return fmt.Sprintf(`(() => {
	try {
		window.location.replace(%s);
		return true;
	} catch (e) {
		return false;
	}
})()`, jsonEncode(p.URL))

	case profiles.NewChatShortcut:
		sc := p.Shortcut
		opts := fmt.Sprintf(
			"{ key: %s, ctrlKey: %t, shiftKey: %t, altKey: %t, metaKey: %t, bubbles: true, cancelable: true }",
			jsonEncode(sc.Key), sc.Ctrl, sc.Shift, sc.Alt, sc.Meta,
		)
		return fmt.Sprintf(`(() => {
	try {
		const opts = %s;
		document.dispatchEvent(new KeyboardEvent('keydown', opts));
		document.dispatchEvent(new KeyboardEvent('keyup', opts));
		return true;
	} catch (e) {
		return false;
	}
})()`, opts)

	default:
		return fmt.Sprintf(`(() => {
	try {
%s		const __inDropdown = (el) => {
			for (let n = el; n; n = n.parentElement) {
				if (n.matches && n.matches("[role='menu'],[role='listbox'],.dropdown,.menu")) { return true; }
			}
			return false;
		};
		const __label = %s;
		const __keywords = %s;
		const candidates = document.querySelectorAll("button, a, [role='button'], div[onclick], span[onclick]");
		const textOf = (el) => (el.textContent || '').trim();
		if (__label) {
			for (const el of candidates) {
				if (textOf(el) === __label && __visible(el) && !__inDropdown(el)) { el.click(); return true; }
			}
		}
		for (const kw of __keywords) {
			for (const el of candidates) {
				if (textOf(el).includes(kw) && __visible(el) && !__inDropdown(el)) { el.click(); return true; }
			}
		}
		return false;
	} catch (e) {
		return false;
	}
})()`, visibleOnlyPrelude(), jsonEncode(p.Label), jsonEncode(p.Keywords))
	}
}

// visibleOnlyPrelude trims the shared prelude down to the __visible helper
// used by the search script.
func visibleOnlyPrelude() string {
	const start = "\tconst __visible ="
	const end = "\tconst __find ="
	i := strings.Index(jsPrelude, start)
	j := strings.Index(jsPrelude, end)
	if i < 0 || j < 0 || j <= i {
		return ""
	}
	return jsPrelude[i:j]
}

// jsonEncode safely embeds a Go value as a JS literal.
func jsonEncode(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return `""`
	}
	return string(b)
}
