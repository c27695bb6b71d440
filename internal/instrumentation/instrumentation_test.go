package instrumentation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_ChainCountCode_Length(t *testing.T) {
	assert.Len(t, ChainCountCode, 13)
}

func Test_JMXJumpCode_Length(t *testing.T) {
	assert.Len(t, JMXJumpCode, 13)
}

func Test_JMXMappingOffset(t *testing.T) {
	assert.Equal(t, 7, JMXMappingOffset)
}
