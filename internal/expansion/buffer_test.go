package expansion

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"

	"snipd/internal/keystroke"
)

func TestMatchBufferFIFO(t *testing.T) {
	b := NewMatchBuffer(5)
	for _, r := range "abcdefgh" {
		b.Push(r)
	}
	assert.Equal(t, "defgh", b.String())
	assert.Equal(t, 5, b.Len())
}

func TestMatchBufferTruncationLaw(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	alphabet := []rune("abcxyz éü漢字🙂")

	for trial := 0; trial < 200; trial++ {
		n := rng.Intn(80)
		typed := make([]rune, n)
		for i := range typed {
			typed[i] = alphabet[rng.Intn(len(alphabet))]
		}

		b := NewMatchBuffer(DefaultBufferSize)
		for _, r := range typed {
			b.Apply(keystroke.CharEvent(r))
			assert.LessOrEqual(t, b.Len(), DefaultBufferSize)
		}

		want := typed
		if len(want) > DefaultBufferSize {
			want = want[len(want)-DefaultBufferSize:]
		}
		assert.Equal(t, string(want), b.String())
	}
}

func TestMatchBufferApply(t *testing.T) {
	b := NewMatchBuffer(0)
	assert.Equal(t, DefaultBufferSize, b.Cap())

	assert.False(t, b.Apply(keystroke.BackspaceEvent()))
	assert.False(t, b.Apply(keystroke.ResetEvent('\n')))

	assert.True(t, b.Apply(keystroke.CharEvent('a')))
	assert.True(t, b.Apply(keystroke.CharEvent('b')))
	assert.True(t, b.Apply(keystroke.BackspaceEvent()))
	assert.Equal(t, "a", b.String())

	assert.True(t, b.Apply(keystroke.ResetEvent('\t')))
	assert.Equal(t, "", b.String())

	assert.False(t, b.Apply(keystroke.InputEvent{}))
}

func TestMatchBufferApplyRune(t *testing.T) {
	b := NewMatchBuffer(10)
	for _, r := range "ab\x00\x07c" {
		b.ApplyRune(r)
	}
	assert.Equal(t, "abc", b.String())

	assert.True(t, b.ApplyRune('\b'))
	assert.Equal(t, "ab", b.String())

	for _, c := range []rune{'\n', '\r', '\t', '\x1b'} {
		b.ApplyRune('x')
		assert.True(t, b.ApplyRune(c))
		assert.Equal(t, 0, b.Len())
	}
}

func TestMatchBufferResize(t *testing.T) {
	b := NewMatchBuffer(10)
	for _, r := range "0123456789" {
		b.Push(r)
	}
	b.Resize(4)
	assert.Equal(t, "6789", b.String())
	b.Push('x')
	assert.Equal(t, "789x", b.String())

	b.Resize(8)
	b.Push('y')
	assert.Equal(t, "789xy", b.String())
}

func TestMatchBufferHasSuffix(t *testing.T) {
	b := NewMatchBuffer(10)
	for _, r := range "hi →sig" {
		b.Push(r)
	}
	assert.True(t, b.HasSuffix("→sig"))
	assert.True(t, b.HasSuffix(""))
	assert.False(t, b.HasSuffix("sig "))
}
