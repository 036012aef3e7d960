package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_Rules(t *testing.T) {
	cases := []struct {
		name string
		in   Input
		want Category
	}{
		{"no vad", Input{}, Unknown},
		{
			"loaded dll",
			Input{HasSegment: true, Image: true, Backed: true, Executable: true},
			Library,
		},
		{
			"main image is code, not library",
			Input{HasSegment: true, Image: true, Backed: true, MainImage: true, Executable: true},
			Code,
		},
		{
			"guard page wins over private",
			Input{HasSegment: true, Private: true, Stack: true},
			Stack,
		},
		{"private anonymous", Input{HasSegment: true, Private: true}, Heap},
		{
			"image but not executable",
			Input{HasSegment: true, Image: true, MainImage: true, Backed: true},
			Data,
		},
		{"shared mapping", Input{HasSegment: true}, Data},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Classify(tc.in))
		})
	}
}

// Rule 1 outranks everything; a file-backed image VAD with guard
// protection still classifies as library.
func TestClassify_Order(t *testing.T) {
	in := Input{HasSegment: true, Image: true, Backed: true, Stack: true, Private: true}
	require.Equal(t, Library, Classify(in))
}

func TestPolicy_Monitored(t *testing.T) {
	var def Policy // default: suppress library/heap/stack
	assert.True(t, def.Monitored(Code))
	assert.True(t, def.Monitored(Unknown))
	assert.False(t, def.Monitored(Library))
	assert.False(t, def.Monitored(Heap))
	assert.False(t, def.Monitored(Stack))
	assert.False(t, def.Monitored(Data))

	all := Policy{Library: true, Heap: true, Stack: true}
	assert.True(t, all.Monitored(Library))
	assert.True(t, all.Monitored(Heap))
	assert.True(t, all.Monitored(Stack))
	assert.False(t, all.Monitored(Data))
}

func TestCategory_String(t *testing.T) {
	assert.Equal(t, "code", Code.String())
	assert.Equal(t, "library", Library.String())
	assert.Equal(t, "unknown", Unknown.String())
	assert.Equal(t, "unknown", Category(250).String())
}
