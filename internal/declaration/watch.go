package declaration

import (
	"context"
	"path/filepath"
	"time"

	"codeberg.org/mutker/edgetel/internal/errors"
	"codeberg.org/mutker/edgetel/internal/logger"
	"github.com/fsnotify/fsnotify"
)

const defaultSettle = 250 * time.Millisecond

// Watch calls onChange after the file at path was written, created or
// replaced, once changes have settled. It watches the parent directory so
// editors that save by rename are seen. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, onChange func()) error {
	return watch(ctx, path, defaultSettle, onChange)
}

func watch(ctx context.Context, path string, settle time.Duration, onChange func()) error {
	errFactory := errors.New()
	log := logger.Component("declaration").With("path", path)

	abs, err := filepath.Abs(path)
	if err != nil {
		return errFactory.Wrap(errors.ErrReadDeclaration, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errFactory.Wrap(errors.ErrInitFailed, err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(abs)); err != nil {
		return errFactory.Wrapf(errors.ErrInitFailed, err, "watch %s", filepath.Dir(abs))
	}

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(settle)
			} else {
				timer.Reset(settle)
			}
			pending = timer.C
		case <-pending:
			pending = nil
			log.Debug().Msg("Declaration changed")
			onChange()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Declaration watch error")
		}
	}
}
