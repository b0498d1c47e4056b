package masking

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskMobile(t *testing.T) {
	assert.Equal(t, "****4567", MaskMobile("+63 917-123-4567"))
	assert.Equal(t, "****", MaskMobile("123"))
	assert.Equal(t, "", MaskMobile(""))
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "acct_****7890", MaskSecret("acct_1234567890"))
	assert.Equal(t, "****", MaskSecret("abc"))
}
