// Package keys builds synthetic keyboard input and delivers it to a page.
package keys

import (
	"errors"
	"fmt"
	"unicode"
)

// ErrUnprintable is returned when asked to synthesize a rune that has no
// printable representation.
var ErrUnprintable = errors.New("keys: character is not printable")

// EventType is the DOM keyboard event type.
type EventType string

const (
	KeyDown  EventType = "keydown"
	KeyPress EventType = "keypress"
	KeyUp    EventType = "keyup"
)

// KeyEvent mirrors the KeyboardEvent init dictionary the page receives.
type KeyEvent struct {
	Type       EventType `json:"type"`
	Key        string    `json:"key"`
	Code       string    `json:"code"`
	KeyCode    int       `json:"keyCode"`
	Which      int       `json:"which"`
	CharCode   int       `json:"charCode"`
	Bubbles    bool      `json:"bubbles"`
	Cancelable bool      `json:"cancelable"`
	Composed   bool      `json:"composed"`
}

// Triple is the ordered press-start, press, press-end sequence for one character.
type Triple [3]KeyEvent

// Char returns the character the triple was built from.
func (t Triple) Char() string { return t[0].Key }

// Synthesize builds the event triple for ch. The key code is taken from the
// character code and is identical in all three phases; charCode is only set on
// the keypress, matching what browsers report.
func Synthesize(ch rune) (Triple, error) {
	if ch == 0 || !unicode.IsPrint(ch) {
		return Triple{}, fmt.Errorf("%w: %U", ErrUnprintable, ch)
	}

	key := string(ch)
	code := PhysicalCode(ch)
	keyCode := int(ch)

	build := func(typ EventType, charCode int) KeyEvent {
		return KeyEvent{
			Type:       typ,
			Key:        key,
			Code:       code,
			KeyCode:    keyCode,
			Which:      keyCode,
			CharCode:   charCode,
			Bubbles:    true,
			Cancelable: true,
			Composed:   true,
		}
	}

	return Triple{
		build(KeyDown, 0),
		build(KeyPress, keyCode),
		build(KeyUp, 0),
	}, nil
}

// PhysicalCode returns the KeyboardEvent.code for ch on a US layout.
func PhysicalCode(ch rune) string {
	switch {
	case ch >= 'a' && ch <= 'z':
		return "Key" + string(unicode.ToUpper(ch))
	case ch >= 'A' && ch <= 'Z':
		return "Key" + string(ch)
	case ch >= '0' && ch <= '9':
		return "Digit" + string(ch)
	case ch == ' ':
		return "Space"
	}
	return "Unidentified"
}

// VirtualKeyCode returns the Windows virtual key code browsers use for ch
// when input arrives through the native pipeline. Letters map to their upper
// case code point; everything else keeps its character code.
func VirtualKeyCode(ch rune) int {
	if ch >= 'a' && ch <= 'z' {
		return int(unicode.ToUpper(ch))
	}
	return int(ch)
}
