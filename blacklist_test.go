package crawler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchesBlacklistEntry(t *testing.T) {
	tests := []struct {
		host  string
		entry string
		want  bool
	}{
		{"example.com", "example.com", true},
		{"Example.COM", "example.com", true},
		{"www.example.com", "example.com", false},
		{"example.com", "*.example.com", true},
		{"www.example.com", "*.example.com", true},
		{"deep.sub.example.com", "*.example.com", true},
		{"notexample.com", "*.example.com", false},
		{"example.com.evil.net", "*.example.com", false},
		{"example.com", "", false},
		{"", "example.com", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchesBlacklistEntry(tt.host, tt.entry),
			"host=%v entry=%v", tt.host, tt.entry)
	}
}

func TestBlacklisted(t *testing.T) {
	entries := []string{"bad.com", "*.spam.net"}
	assert.True(t, Blacklisted("bad.com", entries))
	assert.True(t, Blacklisted("mail.spam.net", entries))
	assert.False(t, Blacklisted("good.org", entries))
	assert.False(t, Blacklisted("good.org", nil))
}

func TestNormalizeBlacklistPattern(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Example.com", "example.com"},
		{"https://example.com/path?q=1", "example.com"},
		{"http://example.com", "example.com"},
		{"  *.Example.com  ", "*.example.com"},
		{"example.com/", "example.com"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeBlacklistPattern(tt.in), tt.in)
	}
}
