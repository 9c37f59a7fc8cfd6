package sip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderParamsOrderAndLookup(t *testing.T) {
	hp := NewParams()
	hp.Add("branch", "z9hG4bKaaa")
	hp.Add("received", "127.0.0.1")
	hp.Add("rport", "")

	assert.Equal(t, "branch=z9hG4bKaaa;received=127.0.0.1;rport", hp.ToString(';'))

	val, ok := hp.Get("received")
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1", val)

	// overwriting keeps the original position
	hp.Add("received", "192.0.2.9")
	assert.Equal(t, "branch=z9hG4bKaaa;received=192.0.2.9;rport", hp.ToString(';'))

	hp.Remove("received")
	assert.False(t, hp.Has("received"))
	assert.Equal(t, 2, hp.Length())
}

func TestHeaderParamsClone(t *testing.T) {
	hp := NewParams()
	hp.Add("tag", "abc")

	dup := hp.Clone()
	dup.Add("tag", "changed")

	assert.Equal(t, "abc", hp.GetOr("tag", ""))
	assert.Equal(t, "changed", dup.GetOr("tag", ""))
	assert.True(t, hp.Equals(HeaderParams{{K: "tag", V: "abc"}}))
}

func BenchmarkHeaderParams(b *testing.B) {
	for i := 0; i < b.N; i++ {
		hp := NewParams()
		hp.Add("branch", "z9hG4bKassadkjkgeijdas")
		hp.Add("received", "127.0.0.1")
		hp.Add("toremove", "removeme")
		hp.Remove("toremove")

		if !hp.Has("received") {
			b.Fatal("received does not exists")
		}
		if s := hp.ToString(';'); s != "branch=z9hG4bKassadkjkgeijdas;received=127.0.0.1" {
			b.Fatal("Bad rendering", s)
		}
	}
}
