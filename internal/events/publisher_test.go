package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublisher_NilIsNotConnected(t *testing.T) {
	var p *Publisher
	assert.False(t, p.IsConnected())
	assert.False(t, (&Publisher{}).IsConnected())
}
