package pollqueue_test

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/domonda/go-pollqueue"
)

func TestParseStatus(t *testing.T) {
	for _, status := range pollqueue.AllStatuses {
		parsed, err := pollqueue.ParseStatus(string(status))
		require.NoError(t, err)
		assert.Equal(t, status, parsed)
		assert.True(t, parsed.Valid())
	}

	for _, invalid := range []string{"", "done", "WAITING"} {
		_, err := pollqueue.ParseStatus(invalid)
		assert.Error(t, err, "ParseStatus(%q)", invalid)
	}
}

func TestStatusClasses(t *testing.T) {
	terminal := map[pollqueue.Status]bool{
		pollqueue.StatusCompleted: true,
		pollqueue.StatusFailed:    true,
		pollqueue.StatusTimeout:   true,
		pollqueue.StatusCancelled: true,
	}
	for _, status := range pollqueue.AllStatuses {
		assert.Equal(t, terminal[status], status.IsTerminal(), "%s.IsTerminal()", status)
		assert.Equal(t, !terminal[status], status.IsOutstanding(), "%s.IsOutstanding()", status)
		assert.Equal(t, status.IsOutstanding(), slices.Contains(pollqueue.OutstandingStatuses, status), "%s in OutstandingStatuses", status)
	}
}
