package video

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"panic-relay/internal/core/domain"
)

func fixedSubject(sub string) SubjectFunc {
	return func(string) (string, error) { return sub, nil }
}

func TestStart_BuildsTenantRoomURL(t *testing.T) {
	var opened Call
	j := NewJitsi("https://meet.example.org/", fixedSubject("vpaas-tenant"), func(_ context.Context, c Call) error {
		opened = c
		return nil
	})

	err := j.Start(context.Background(), domain.VideoRoom{RoomID: "panic-42", DisplayName: "Dr House", Token: "tok"}, nil)

	require.NoError(t, err)
	assert.Equal(t, "vpaas-tenant", opened.Tenant)
	assert.Contains(t, opened.URL, "https://meet.example.org/vpaas-tenant/panic-42?jwt=tok")
	active, ok := j.Active()
	assert.True(t, ok)
	assert.Equal(t, "panic-42", active.Room)
}

func TestStart_WithoutTokenUsesBareRoom(t *testing.T) {
	j := NewJitsi("meet.example.org", fixedSubject("ignored"), nil)

	require.NoError(t, j.Start(context.Background(), domain.VideoRoom{RoomID: "r1"}, nil))

	call, _ := j.Active()
	assert.Equal(t, "https://meet.example.org/r1", call.URL)
}

func TestHangup_EndsExactlyOnce(t *testing.T) {
	j := NewJitsi("meet.example.org", nil, nil)
	var reasons []string

	require.NoError(t, j.Start(context.Background(), domain.VideoRoom{RoomID: "r1"}, func(reason string) {
		reasons = append(reasons, reason)
	}))

	assert.True(t, j.Hangup("left"))
	assert.False(t, j.Hangup("left"))
	j.Stop()

	assert.Equal(t, []string{"left"}, reasons)
}

func TestStart_ReplacesActiveCall(t *testing.T) {
	j := NewJitsi("meet.example.org", nil, nil)
	var first string

	require.NoError(t, j.Start(context.Background(), domain.VideoRoom{RoomID: "r1"}, func(reason string) { first = reason }))
	require.NoError(t, j.Start(context.Background(), domain.VideoRoom{RoomID: "r2"}, nil))

	assert.Equal(t, "replaced", first)
	call, _ := j.Active()
	assert.Equal(t, "r2", call.Room)
}

func TestStart_Failures(t *testing.T) {
	badSubject := func(string) (string, error) { return "", errors.New("bad token") }

	assert.Error(t, NewJitsi("", nil, nil).Start(context.Background(), domain.VideoRoom{RoomID: "r"}, nil))
	assert.Error(t, NewJitsi("m.org", nil, nil).Start(context.Background(), domain.VideoRoom{}, nil))
	assert.Error(t, NewJitsi("m.org", badSubject, nil).Start(context.Background(), domain.VideoRoom{RoomID: "r", Token: "x"}, nil))

	j := NewJitsi("m.org", nil, func(context.Context, Call) error { return errors.New("ui gone") })
	assert.Error(t, j.Start(context.Background(), domain.VideoRoom{RoomID: "r"}, nil))
	_, ok := j.Active()
	assert.False(t, ok)
}
