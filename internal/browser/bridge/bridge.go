// Package bridge holds the script injected into every page the loop drives.
package bridge

import (
	_ "embed"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// ConfigPlaceholder is replaced in the template with the JSON configuration.
const ConfigPlaceholder = "/*{{REPLYLOOP_CONFIG}}*/"

// BindingName is the runtime binding the page calls to reach Go.
const BindingName = "__replyloopEmit"

// Global is the object the bridge installs on window.
const Global = "window.__replyloop"

//go:embed bridge.js
var template string

// Config is serialized into the page.
type Config struct {
	Binding            string `json:"binding"`
	DialogSelector     string `json:"dialogSelector"`
	InteractionWatches bool   `json:"interactionWatches"`
	Overlay            bool   `json:"overlay"`
	// NotificationTTL in milliseconds.
	NotificationTTL  int64 `json:"notificationTTL"`
	MaxAncestorDepth int   `json:"maxAncestorDepth"`
	MaxTextLength    int   `json:"maxTextLength"`
}

// NewConfig fills in the fixed fields.
func NewConfig(dialogSelector string, interactionWatches, overlay bool, ttl time.Duration, maxAncestorDepth int) Config {
	if dialogSelector == "" {
		dialogSelector = `[role="dialog"]`
	}
	return Config{
		Binding:            BindingName,
		DialogSelector:     dialogSelector,
		InteractionWatches: interactionWatches,
		Overlay:            overlay,
		NotificationTTL:    ttl.Milliseconds(),
		MaxAncestorDepth:   maxAncestorDepth,
		MaxTextLength:      200,
	}
}

// Script renders the embedded bridge for cfg.
func Script(cfg Config) (string, error) {
	return Build(template, cfg)
}

// Build injects cfg into tmpl.
func Build(tmpl string, cfg Config) (string, error) {
	if tmpl == "" {
		return "", fmt.Errorf("bridge template is empty")
	}
	if !strings.Contains(tmpl, ConfigPlaceholder) {
		return "", fmt.Errorf("bridge template does not contain the required placeholder: %s", ConfigPlaceholder)
	}
	if cfg.Binding == "" {
		return "", fmt.Errorf("bridge config has no binding name")
	}

	raw, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to encode bridge config: %w", err)
	}
	return strings.Replace(tmpl, ConfigPlaceholder, string(raw), 1), nil
}
