package sip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeadersTypedCaches(t *testing.T) {
	callid := CallIDHeader("x@y")
	hs := headers{}
	hs.AppendHeader(&ViaHeader{Host: "a"})
	hs.AppendHeader(&ViaHeader{Host: "b"})
	hs.AppendHeader(&FromHeader{})
	hs.AppendHeader(&callid)

	// the first via appended owns the shortcut
	require.NotNil(t, hs.Via())
	assert.Equal(t, "a", hs.Via().Host)

	// a prepended via becomes the topmost one
	hs.PrependHeader(&ViaHeader{Host: "front"})
	assert.Equal(t, "front", hs.Via().Host)
	assert.Equal(t, "front", hs.Headers()[0].(*ViaHeader).Host)

	// removing the top via reseats the shortcut on the next one
	hs.RemoveHeader("Via")
	assert.Equal(t, "a", hs.Via().Host)

	// replace swaps in place and updates the shortcut
	hs.ReplaceHeader(&ViaHeader{Host: "swapped"})
	assert.Equal(t, "swapped", hs.Via().Host)

	assert.Equal(t, "x@y", hs.CallID().Value())
	assert.Nil(t, hs.To())
}

func TestHeadersGetCaseInsensitive(t *testing.T) {
	hs := headers{}
	hs.AppendHeader(NewHeader("X-Thing", "one"))
	require.NotNil(t, hs.GetHeader("x-thing"))
	assert.Equal(t, "one", hs.GetHeader("X-THING").Value())
	assert.Len(t, hs.GetHeaders("x-Thing"), 1)
}
