package dispositions

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stads98/telnyx-crm-sub001/internal/models"
)

const sampleCatalog = `dispositions:
  - id: sale
    name: Sale
    color: "#00ff00"
    requeue: false
    automation_actions: [create_deal, send_contract]
  - id: vm
    name: Voicemail Left
    color: "#999999"
  - id: retry
    name: Try Later
    requeue: true
`

func writeCatalog(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "dispositions.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load("", false)
	require.NoError(t, err)
	assert.Len(t, c.List(), len(Defaults))

	d, err := c.Get("callback")
	require.NoError(t, err)
	assert.True(t, c.ShouldRequeue(d))

	_, err = c.Get("nope")
	assert.ErrorIs(t, err, ErrUnknownDisposition)
}

func TestLoadFile(t *testing.T) {
	path := writeCatalog(t, t.TempDir(), sampleCatalog)
	c, err := Load(path, false)
	require.NoError(t, err)

	sale, err := c.Get("sale")
	require.NoError(t, err)
	assert.Equal(t, []string{"create_deal", "send_contract"}, sale.AutomationActions)
	assert.False(t, c.ShouldRequeue(sale))

	retry, _ := c.Get("retry")
	assert.True(t, c.ShouldRequeue(retry))

	vm, _ := c.Get("vm")
	assert.Nil(t, vm.Requeue)
	assert.False(t, c.ShouldRequeue(vm), "name matching is off by default")
}

func TestShouldRequeueNameFallback(t *testing.T) {
	no := false
	c, err := New([]models.Disposition{{ID: "x", Name: "x"}}, true)
	require.NoError(t, err)

	tests := []struct {
		d    models.Disposition
		want bool
	}{
		{models.Disposition{Name: "No Answer"}, true},
		{models.Disposition{Name: "No Contact Made"}, true},
		{models.Disposition{Name: "Voicemail"}, true},
		{models.Disposition{Name: "Callback Tomorrow"}, true},
		{models.Disposition{Name: "Sale"}, false},
		{models.Disposition{Name: "Voicemail", Requeue: &no}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.ShouldRequeue(tt.d), tt.d.Name)
	}
}

func TestValidate(t *testing.T) {
	tests := map[string][]models.Disposition{
		"empty":     nil,
		"no id":     {{Name: "x"}},
		"no name":   {{ID: "x"}},
		"duplicate": {{ID: "x", Name: "a"}, {ID: "x", Name: "b"}},
		"reserved":  {{ID: "system:no_answer", Name: "a"}},
	}
	for name, items := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := New(items, false)
			assert.Error(t, err)
		})
	}
}

func TestReloadKeepsPreviousOnError(t *testing.T) {
	dir := t.TempDir()
	path := writeCatalog(t, dir, sampleCatalog)
	c, err := Load(path, false)
	require.NoError(t, err)

	writeCatalog(t, dir, "dispositions: [")
	assert.Error(t, c.Reload())
	assert.Len(t, c.List(), 3)
}

func TestWatchPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeCatalog(t, dir, sampleCatalog)
	c, err := Load(path, false)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Watch(ctx, slog.Default()) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register before writing.
	time.Sleep(50 * time.Millisecond)
	writeCatalog(t, dir, "dispositions:\n  - id: only\n    name: Only One\n")

	require.Eventually(t, func() bool {
		_, err := c.Get("only")
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)
	assert.Len(t, c.List(), 1)
}
