package bridge

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild(t *testing.T) {
	t.Run("ReplacesPlaceholder", func(t *testing.T) {
		cfg := NewConfig("", true, false, 2*time.Second, 8)
		script, err := Build("const cfg = "+ConfigPlaceholder+";", cfg)
		require.NoError(t, err)

		assert.NotContains(t, script, ConfigPlaceholder)
		assert.Contains(t, script, `"binding":"__replyloopEmit"`)
		assert.Contains(t, script, `"dialogSelector":"[role=\"dialog\"]"`)
		assert.Contains(t, script, `"interactionWatches":true`)
		assert.Contains(t, script, `"notificationTTL":2000`)
		assert.Contains(t, script, `"maxAncestorDepth":8`)
	})

	t.Run("EmptyTemplate", func(t *testing.T) {
		_, err := Build("", NewConfig("", false, false, 0, 8))
		assert.ErrorContains(t, err, "empty")
	})

	t.Run("MissingPlaceholder", func(t *testing.T) {
		_, err := Build("(function(){})()", NewConfig("", false, false, 0, 8))
		assert.ErrorContains(t, err, "placeholder")
	})

	t.Run("MissingBinding", func(t *testing.T) {
		_, err := Build(ConfigPlaceholder, Config{})
		assert.ErrorContains(t, err, "binding")
	})
}

func TestScript_EmbeddedTemplate(t *testing.T) {
	script, err := Script(NewConfig(`div[role="dialog"]`, false, true, time.Second, 8))
	require.NoError(t, err)

	assert.Equal(t, 1, strings.Count(template, ConfigPlaceholder), "template carries exactly one placeholder")
	assert.NotContains(t, script, ConfigPlaceholder)
	for _, fn := range []string{"dispatch", "watchDialog", "unwatchDialog", "setState", "showContinue", "notify"} {
		assert.Contains(t, script, fn+": "+fn, "bridge exports %s", fn)
	}
	for _, kind := range []string{"dialog_closed", "dialog_watch_lost", "enter_key", "click", "toggle", "continue", "ready"} {
		assert.Contains(t, script, "'"+kind+"'", "bridge emits %s", kind)
	}
}
