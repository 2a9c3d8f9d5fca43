package util_test

import (
	"strings"
	"testing"

	"github.com/flokli/casdump/pkg/util"
	"github.com/stretchr/testify/assert"
)

func TestCheckName(t *testing.T) {
	for _, name := range []string{"report.csv", "a", "with space", ".hidden", "..dots", strings.Repeat("x", util.MaxNameLength)} {
		assert.NoError(t, util.CheckName(name), "%q should be accepted", name)
	}

	for _, name := range []string{"", ".", "..", "a/b", "../etc/passwd", "a\\b", "nul\x00byte", strings.Repeat("x", util.MaxNameLength+1)} {
		assert.Error(t, util.CheckName(name), "%q should be rejected", name)
	}
}
