package log

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestSetLevel(t *testing.T) {
	prev := GetLogger().GetLevel()
	defer GetLogger().SetLevel(prev)

	assert.True(t, SetLevel("debug"))
	assert.Equal(t, logrus.DebugLevel, GetLogger().GetLevel())
	assert.True(t, SetLevel("WARN"))
	assert.Equal(t, logrus.WarnLevel, GetLogger().GetLevel())

	assert.False(t, SetLevel("chatty"))
	assert.Equal(t, logrus.WarnLevel, GetLogger().GetLevel())
}
