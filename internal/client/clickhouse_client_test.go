package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractHostPort(t *testing.T) {
	cases := map[string]string{
		"http://ch.local":            "ch.local:9000",
		"https://ch.local":           "ch.local:9440",
		"clickhouse://ch.local:9001": "ch.local:9001",
		"ch.local:9000/":             "ch.local:9000",
	}
	for in, want := range cases {
		assert.Equal(t, want, extractHostPort(in), in)
	}
	assert.Equal(t, "ch.local", extractHostname("https://ch.local:9440"))
}
