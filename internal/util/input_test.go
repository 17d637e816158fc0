package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskPhone(t *testing.T) {
	assert.Equal(t, "+91******7890", MaskPhone("+911234567890"))
	assert.Equal(t, "******7890", MaskPhone("1234567890"))
	assert.Equal(t, "*****", MaskPhone("12345"))
	assert.Equal(t, "", MaskPhone(""))
}

func TestIsNumeric(t *testing.T) {
	assert.True(t, IsNumeric("012345"))
	assert.False(t, IsNumeric(""))
	assert.False(t, IsNumeric("12a4"))
	assert.False(t, IsNumeric("１２３")) // full-width digits
}

func TestContainsSuspicious(t *testing.T) {
	assert.True(t, ContainsSuspicious("<script>alert(1)</script>"))
	assert.True(t, ContainsSuspicious("${jndi}"))
	assert.False(t, ContainsSuspicious("+911234567890"))
}
