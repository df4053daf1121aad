// Package enroll captures a fixed run of face crops for one identity.
package enroll

import (
	"image"
	"log/slog"

	"github.com/pkg/errors"
)

var (
	ErrNoFaceAvailable = errors.New("no face available")
	ErrInvalidLabel    = errors.New("invalid identity label")
	ErrBusy            = errors.New("enrollment already in progress")
)

// Progress reports where the current session stands. Done is set on the
// tick that wrote the last image.
type Progress struct {
	Label string
	Count int
	Total int
	Done  bool
}

// Tracker is idle until Begin, then saves one crop per tick until Length
// crops exist, then goes idle again. Crops are numbered 0..Length-1.
type Tracker struct {
	store  *Store
	length int
	logger *slog.Logger

	label  string
	count  int
	active bool
}

func NewTracker(store *Store, length int, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: store, length: length, logger: logger}
}

// Begin starts a session for label and creates its directory.
func (t *Tracker) Begin(label string) error {
	if t.active {
		return errors.Wrapf(ErrBusy, "enrolling %q", t.label)
	}
	if err := t.store.Prepare(label); err != nil {
		return err
	}

	t.label = label
	t.count = 0
	t.active = true
	t.logger.Info("adding user", "label", label, "dir", t.store.Dir(label), "images", t.length)
	return nil
}

func (t *Tracker) Active() bool {
	return t.active
}

func (t *Tracker) Progress() Progress {
	return Progress{Label: t.label, Count: t.count, Total: t.length}
}

// Cancel drops the session. Images already written stay on disk.
func (t *Tracker) Cancel() {
	if t.active {
		t.logger.Info("enrollment cancelled", "label", t.label, "saved", t.count)
	}
	t.reset()
}

// OnTick saves crop while a session is active and is a no-op otherwise.
// A nil crop means no face was ever seen; nothing is written and the
// counter does not move.
func (t *Tracker) OnTick(crop *image.Gray) (Progress, error) {
	if !t.active {
		return Progress{}, nil
	}
	if crop == nil {
		return t.Progress(), ErrNoFaceAvailable
	}

	if _, err := t.store.Save(t.label, t.count, crop); err != nil {
		return t.Progress(), err
	}
	t.count++

	p := t.Progress()
	if t.count >= t.length {
		p.Done = true
		t.logger.Info("enrollment complete", "label", t.label, "images", t.count)
		t.reset()
	}
	return p, nil
}

func (t *Tracker) reset() {
	t.label = ""
	t.count = 0
	t.active = false
}
