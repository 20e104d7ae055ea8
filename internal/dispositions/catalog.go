package dispositions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/stads98/telnyx-crm-sub001/internal/models"
)

var ErrUnknownDisposition = errors.New("unknown disposition")

// requeueHints are the legacy name fragments that mean "try again later".
var requeueHints = []string{"no answer", "no contact", "voicemail", "callback", "call back"}

func flag(b bool) *bool { return &b }

// Defaults is used when no catalog file is configured.
var Defaults = []models.Disposition{
	{ID: "interested", Name: "Interested", Color: "#16a34a", Requeue: flag(false), AutomationActions: []string{"create_task"}},
	{ID: "not_interested", Name: "Not Interested", Color: "#dc2626", Requeue: flag(false)},
	{ID: "callback", Name: "Callback Requested", Color: "#2563eb", Requeue: flag(true), AutomationActions: []string{"schedule_callback"}},
	{ID: "no_answer", Name: "No Answer", Color: "#6b7280", Requeue: flag(true)},
	{ID: "left_voicemail", Name: "Left Voicemail", Color: "#9333ea", Requeue: flag(true)},
	{ID: "wrong_number", Name: "Wrong Number", Color: "#f59e0b", Requeue: flag(false), AutomationActions: []string{"flag_number"}},
	{ID: "do_not_call", Name: "Do Not Call", Color: "#000000", Requeue: flag(false), AutomationActions: []string{"add_dnc"}},
}

type catalogFile struct {
	Dispositions []models.Disposition `yaml:"dispositions"`
}

// Catalog is the operator-selectable outcome list. It is safe for concurrent
// use and may be reloaded while the dialer runs.
type Catalog struct {
	mu           sync.RWMutex
	path         string
	items        []models.Disposition
	byID         map[string]models.Disposition
	nameFallback bool
}

// Load reads the catalog at path. An empty path yields the defaults.
func Load(path string, nameFallback bool) (*Catalog, error) {
	c := &Catalog{path: path, nameFallback: nameFallback}
	items := Defaults
	if path != "" {
		var err error
		items, err = readFile(path)
		if err != nil {
			return nil, err
		}
	}
	c.set(items)
	return c, nil
}

// New builds a catalog from an in-memory list.
func New(items []models.Disposition, nameFallback bool) (*Catalog, error) {
	if err := validate(items); err != nil {
		return nil, err
	}
	c := &Catalog{nameFallback: nameFallback}
	c.set(items)
	return c, nil
}

func readFile(path string) ([]models.Disposition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dispositions: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse dispositions: %w", err)
	}
	if err := validate(f.Dispositions); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f.Dispositions, nil
}

func validate(items []models.Disposition) error {
	if len(items) == 0 {
		return fmt.Errorf("catalog is empty")
	}
	seen := make(map[string]bool, len(items))
	for i, d := range items {
		switch {
		case d.ID == "":
			return fmt.Errorf("disposition %d: missing id", i)
		case strings.HasPrefix(d.ID, "system:"):
			return fmt.Errorf("disposition %q: the system: prefix is reserved", d.ID)
		case d.Name == "":
			return fmt.Errorf("disposition %q: missing name", d.ID)
		case seen[d.ID]:
			return fmt.Errorf("disposition %q: duplicate id", d.ID)
		}
		seen[d.ID] = true
	}
	return nil
}

func (c *Catalog) set(items []models.Disposition) {
	byID := make(map[string]models.Disposition, len(items))
	for _, d := range items {
		byID[d.ID] = d
	}
	c.mu.Lock()
	c.items = items
	c.byID = byID
	c.mu.Unlock()
}

// Get returns the disposition with id.
func (c *Catalog) Get(id string) (models.Disposition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.byID[id]
	if !ok {
		return models.Disposition{}, fmt.Errorf("%w: %s", ErrUnknownDisposition, id)
	}
	return d, nil
}

// List returns the catalog in file order.
func (c *Catalog) List() []models.Disposition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Disposition, len(c.items))
	copy(out, c.items)
	return out
}

// ShouldRequeue reports whether selecting d sends the target back to the
// queue. The explicit flag decides; the name heuristic only applies to
// records without a flag and only when enabled.
func (c *Catalog) ShouldRequeue(d models.Disposition) bool {
	if d.Requeue != nil {
		return *d.Requeue
	}
	if !c.nameFallback {
		return false
	}
	name := strings.ToLower(d.Name)
	for _, hint := range requeueHints {
		if strings.Contains(name, hint) {
			return true
		}
	}
	return false
}

// Reload rereads the catalog file. On error the previous catalog stays.
func (c *Catalog) Reload() error {
	if c.path == "" {
		return nil
	}
	items, err := readFile(c.path)
	if err != nil {
		return err
	}
	c.set(items)
	return nil
}

// Watch reloads the catalog whenever its file changes, until ctx is done.
// The parent directory is watched so editors that replace the file by rename
// are picked up.
func (c *Catalog) Watch(ctx context.Context, logger *slog.Logger) error {
	if c.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(c.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(c.path), err)
	}

	const debounce = 200 * time.Millisecond
	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	target := filepath.Clean(c.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("disposition watcher error", "error", err)
		case <-timer.C:
			if err := c.Reload(); err != nil {
				logger.Warn("reload dispositions failed, keeping previous catalog", "path", c.path, "error", err)
				continue
			}
			logger.Info("dispositions reloaded", "path", c.path, "count", len(c.List()))
		}
	}
}
