package progress

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter_ReportsEveryInterval(t *testing.T) {
	var buf bytes.Buffer

	var reports []int64

	w := NewWriter(context.Background(), &buf, 0, 10, func(written, _ int64) {
		reports = append(reports, written)
	})

	for range 5 {
		_, err := w.Write([]byte("abcdef"))
		require.NoError(t, err)
	}

	assert.Equal(t, []int64{12, 24}, reports)
	assert.Equal(t, int64(30), w.Written())
	assert.Equal(t, 30, buf.Len())
}

func TestWriter_StopsWhenCancelled(t *testing.T) {
	var buf bytes.Buffer

	ctx, cancel := context.WithCancel(context.Background())

	w := NewWriter(ctx, &buf, 0, 1<<20, nil)

	_, err := w.Write([]byte("first"))
	require.NoError(t, err)

	cancel()

	n, err := w.Write([]byte("second"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, n)
	assert.Equal(t, "first", buf.String())
}
