package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcher_FiresOnlyMatchingHooks(t *testing.T) {
	var mu sync.Mutex
	var gotCalls []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotCalls = append(gotCalls, r.Header.Get("X-Gateway-Event"))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher(50 * time.Millisecond)
	_, err := d.Register("owner-a", srv.URL, "", "^shell_.*")
	require.NoError(t, err)
	_, err = d.Register("owner-a", srv.URL, "", "^browser_.*")
	require.NoError(t, err)

	d.Fire(context.Background(), "owner-a", ToolEvent{ToolName: "shell_exec", Timestamp: time.Now()})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(gotCalls) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"shell_exec"}, gotCalls)
	mu.Unlock()
}

func TestDispatcher_UnregisteredOwnerFiresNothing(t *testing.T) {
	d := NewDispatcher(50 * time.Millisecond)
	// Should not panic or block even with no hooks registered for this owner.
	d.Fire(context.Background(), "nobody", ToolEvent{ToolName: "shell_exec"})
}

func TestDispatcher_InvalidPatternRejectedAtRegistration(t *testing.T) {
	d := NewDispatcher(50 * time.Millisecond)
	_, err := d.Register("owner-b", "http://example.invalid", "", "(a+)+b")
	require.Error(t, err)
	assert.Empty(t, d.List("owner-b"))
}

func TestDispatcher_ListAndDeleteAreOwnerScoped(t *testing.T) {
	d := NewDispatcher(50 * time.Millisecond)
	h, err := d.Register("owner-a", "http://example.invalid", "", "^shell_.*")
	require.NoError(t, err)

	require.Len(t, d.List("owner-a"), 1)
	assert.Empty(t, d.List("owner-b"))

	// Another owner can't delete it even knowing the id.
	assert.False(t, d.Delete("owner-b", h.ID))
	assert.True(t, d.Delete("owner-a", h.ID))
	assert.Empty(t, d.List("owner-a"))
}
