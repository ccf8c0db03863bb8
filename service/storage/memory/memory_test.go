package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishFansOutToEverySubscriber(t *testing.T) {
	s := New()
	ctx := context.Background()

	var a, b []string
	unsubA, err := s.Subscribe("ch", func(p []byte) { a = append(a, string(p)) })
	require.NoError(t, err)
	_, err = s.Subscribe("ch", func(p []byte) { b = append(b, string(p)) })
	require.NoError(t, err)

	require.NoError(t, s.Publish(ctx, "ch", []byte("one")))
	require.Equal(t, []string{"one"}, a)
	require.Equal(t, []string{"one"}, b)

	unsubA()
	require.NoError(t, s.Publish(ctx, "ch", []byte("two")))
	require.Equal(t, []string{"one"}, a, "unsubscribed handler stays silent")
	require.Equal(t, []string{"one", "two"}, b)
}

func TestPublishCopiesThePayload(t *testing.T) {
	s := New()
	var got []byte
	_, err := s.Subscribe("ch", func(p []byte) { got = p })
	require.NoError(t, err)

	src := []byte("hello")
	require.NoError(t, s.Publish(context.Background(), "ch", src))
	src[0] = 'X'
	require.Equal(t, "hello", string(got), "subscriber sees its own copy")
}
