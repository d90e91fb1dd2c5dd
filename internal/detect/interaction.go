package detect

import "strings"

// MaxAncestorDepth bounds how many parents above a click target are examined
// when looking for a reply/post button.
const MaxAncestorDepth = 8

// Element is the page's description of one DOM element, as reported by the
// bridge. Text is lower-cased, trimmed and truncated by the page.
type Element struct {
	Tag             string `json:"tag"`
	Role            string `json:"role,omitempty"`
	ContentEditable string `json:"contentEditable,omitempty"`
	TestID          string `json:"testId,omitempty"`
	AriaLabel       string `json:"ariaLabel,omitempty"`
	Text            string `json:"text,omitempty"`
}

// EvidenceKind distinguishes the two interaction watches.
type EvidenceKind string

const (
	EvidenceEnter EvidenceKind = "enter_key"
	EvidenceClick EvidenceKind = "click"
)

// Evidence is a raw interaction observed on the page. Focused is the element
// that had focus for an Enter key; Chain is the click target followed by its
// ancestors, nearest first.
type Evidence struct {
	Kind    EvidenceKind
	Focused *Element
	Chain   []Element
}

// IsSubmission reports whether the evidence suggests an action was just submitted.
func (e Evidence) IsSubmission() bool {
	switch e.Kind {
	case EvidenceEnter:
		return IsTextInput(e.Focused)
	case EvidenceClick:
		_, ok := FindSubmitButton(e.Chain)
		return ok
	}
	return false
}

// IsTextInput reports whether el accepts typed text: a textarea, an input,
// a contenteditable element, or anything with the textbox role.
func IsTextInput(el *Element) bool {
	if el == nil {
		return false
	}
	switch strings.ToUpper(el.Tag) {
	case "TEXTAREA", "INPUT":
		return true
	}
	return strings.EqualFold(el.ContentEditable, "true") || strings.EqualFold(el.Role, "textbox")
}

// IsSubmitButton matches reply/post/tweet buttons by test id, accessible
// label or visible text.
func IsSubmitButton(el Element) bool {
	if el.TestID == "tweetButton" || el.AriaLabel == "Reply" {
		return true
	}
	text := strings.ToLower(strings.TrimSpace(el.Text))
	if text == "" {
		return false
	}
	switch text {
	case "reply", "post", "tweet":
		return true
	}
	return strings.Contains(text, "reply")
}

// FindSubmitButton walks chain from the click target upwards and returns the
// index of the first matching element. At most MaxAncestorDepth parents are
// examined beyond the target itself.
func FindSubmitButton(chain []Element) (int, bool) {
	limit := len(chain)
	if limit > MaxAncestorDepth+1 {
		limit = MaxAncestorDepth + 1
	}
	for i := 0; i < limit; i++ {
		if IsSubmitButton(chain[i]) {
			return i, true
		}
	}
	return -1, false
}
