package keys

import (
	"fmt"
	"strings"
)

// Target identifies a candidate recipient of synthetic key events. Page
// targets are resolved by the page bridge at dispatch time; TargetNative is
// the browser's own trusted input pipeline.
type Target string

const (
	TargetNative        Target = "native"
	TargetDocument      Target = "document"
	TargetBody          Target = "body"
	TargetRoot          Target = "root"
	TargetActive        Target = "active"
	TargetMain          Target = "main"
	TargetRoleMain      Target = "role-main"
	TargetPrimaryColumn Target = "primary-column"
)

// Breadth selects how many candidate targets receive each triple.
type Breadth string

const (
	BreadthDocument Breadth = "document"
	BreadthBroad    Breadth = "broad"
	BreadthNative   Breadth = "native"
)

var broadTargets = []Target{
	TargetDocument,
	TargetBody,
	TargetRoot,
	TargetActive,
	TargetMain,
	TargetRoleMain,
	TargetPrimaryColumn,
}

// ParseBreadth converts a configuration value into a Breadth.
func ParseBreadth(s string) (Breadth, error) {
	switch b := Breadth(strings.ToLower(strings.TrimSpace(s))); b {
	case BreadthDocument, BreadthBroad, BreadthNative:
		return b, nil
	}
	return "", fmt.Errorf("keys: unknown dispatch breadth %q", s)
}

// Targets returns the prioritized candidate list for b. The returned slice
// is a fresh copy.
func Targets(b Breadth) []Target {
	switch b {
	case BreadthDocument:
		return []Target{TargetDocument}
	case BreadthNative:
		return append([]Target{TargetNative}, broadTargets...)
	default:
		return append([]Target(nil), broadTargets...)
	}
}
