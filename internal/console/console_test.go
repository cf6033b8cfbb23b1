package console

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadLine(t *testing.T) {
	l := NewLineReader(strings.NewReader("Y\r\nsecret\nlast"))
	ctx := context.Background()

	for _, want := range []string{"Y", "secret", "last"} {
		got, err := l.ReadLine(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := l.ReadLine(ctx)
	assert.ErrorIs(t, err, io.EOF)
	assert.False(t, l.Pending())
}

func TestReadLine_CancelledKeepsLine(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	l := NewLineReader(r)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := l.ReadLine(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, l.Pending())

	go func() { _, _ = w.Write([]byte("answer\n")) }()

	got, err := l.ReadLine(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "answer", got)
	assert.False(t, l.Pending())
}

func TestReadLine_AlreadyCancelled(t *testing.T) {
	l := NewLineReader(strings.NewReader("Y\n"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.ReadLine(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, l.Pending(), "no read is started for a cancelled caller")

	got, err := l.ReadLine(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Y", got)
}

func TestPending_BufferedInput(t *testing.T) {
	l := NewLineReader(strings.NewReader("Y\nsecret\n"))
	_, err := l.ReadLine(context.Background())
	require.NoError(t, err)
	assert.True(t, l.Pending(), "second line is already buffered")
}
