package sip

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateBranch(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		branch := GenerateBranch()
		assert.True(t, strings.HasPrefix(branch, RFC3261BranchMagicCookie))
		assert.Len(t, branch, len(RFC3261BranchMagicCookie)+16)
		assert.False(t, seen[branch], "branch repeated")
		seen[branch] = true
	}
}

func TestGenerateTag(t *testing.T) {
	tag := GenerateTagN(16)
	assert.Len(t, tag, 16)
	assert.NotEqual(t, tag, GenerateTagN(16))
}

func BenchmarkGenerateBranch(b *testing.B) {
	want := len(RFC3261BranchMagicCookie) + 16
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if len(GenerateBranch()) != want {
			b.Fatal("wrong number of bytes")
		}
	}
}
