package membership

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractMentions(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{name: "empty", text: "", want: nil},
		{name: "no mentions", text: "hello there", want: nil},
		{name: "single", text: "hi @carol", want: []string{"carol"}},
		{name: "punctuation ends handle", text: "hi @carol, check this", want: []string{"carol"}},
		{name: "case folded and deduplicated", text: "@Carol and @carol and @CAROL", want: []string{"carol"}},
		{name: "order of first appearance", text: "@bob @alice @bob", want: []string{"bob", "alice"}},
		{name: "underscore and dash", text: "ping @dev_ops-team!", want: []string{"dev_ops-team"}},
		{name: "bot trigger alone", text: "@@", want: nil},
		{name: "bot trigger in sentence", text: "hi @carol, check this @@", want: []string{"carol"}},
		{name: "bot trigger glued to word", text: "@@bob what do you think", want: nil},
		{name: "triple at", text: "@@@dave", want: []string{"dave"}},
		{name: "bare at", text: "email me @ home", want: nil},
		{name: "email-like", text: "me@host", want: []string{"host"}},
		{name: "unicode letters", text: "hola @josé", want: []string{"josé"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractMentions(tt.text))
		})
	}
}

func TestContainsBotTrigger(t *testing.T) {
	assert.True(t, ContainsBotTrigger("what do you think @@"))
	assert.True(t, ContainsBotTrigger("@@"))
	assert.False(t, ContainsBotTrigger("@carol"))
	assert.False(t, ContainsBotTrigger(""))
}
