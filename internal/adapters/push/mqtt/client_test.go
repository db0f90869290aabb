package mqtt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"panic-relay/internal/core/domain"
	"panic-relay/internal/core/ports"
)

func TestBrokerTopic(t *testing.T) {
	tests := []struct {
		prefix string
		topic  string
		want   string
	}{
		{"", "/topic/panic/alice", "topic/panic/alice"},
		{"relay", "/topic/panic-updates/bob", "relay/topic/panic-updates/bob"},
		{"/relay/", "/topic/panic/alice", "relay/topic/panic/alice"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, BrokerTopic(tt.prefix, tt.topic))
	}
}

func TestDial_UnreachableBroker(t *testing.T) {
	dialer := NewDialer(Config{
		Broker:         "tcp://127.0.0.1:1",
		ConnectTimeout: 500 * time.Millisecond,
	})

	_, err := dialer.Dial(context.Background(), ports.DialOptions{ClientID: "test-client"})

	assert.Error(t, err)
	assert.False(t, errors.Is(err, domain.ErrNotAuthenticated))
}

func TestClassifyConnectError(t *testing.T) {
	err := classifyConnectError(errors.New("not Authorized"))
	assert.ErrorIs(t, err, domain.ErrNotAuthenticated)

	err = classifyConnectError(errors.New("bad user name or password"))
	assert.ErrorIs(t, err, domain.ErrNotAuthenticated)

	plain := errors.New("network Error : dial tcp: connection refused")
	assert.Equal(t, plain, classifyConnectError(plain))
}
