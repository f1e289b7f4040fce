package scripts

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLineWriter_splitsAcrossWrites(t *testing.T) {
	var lines []string
	w := newLineWriter(func(l string) { lines = append(lines, l) })

	_, _ = w.Write([]byte("hel"))
	_, _ = w.Write([]byte("lo\r\nwor"))
	_, _ = w.Write([]byte("ld\npartial"))
	assert.Equal(t, []string{"hello", "world"}, lines)

	w.Flush()
	assert.Equal(t, []string{"hello", "world", "partial"}, lines)
}

func TestLineWriter_capsLongLines(t *testing.T) {
	var lines []string
	w := newLineWriter(func(l string) { lines = append(lines, l) })

	n, err := w.Write([]byte(strings.Repeat("x", maxLineBytes+10)))
	assert.NoError(t, err)
	assert.Equal(t, maxLineBytes+10, n)
	assert.Len(t, lines, 1)
	assert.Len(t, lines[0], maxLineBytes)

	w.Flush()
	assert.Len(t, lines, 2)
	assert.Len(t, lines[1], 10)
}
