package archive

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/park285/cheese-chess-server/internal/obslog"
	"go.uber.org/zap"
)

type Sink interface {
	Save(ctx context.Context, r Result) error
}

type Reader interface {
	Recent(ctx context.Context, n int) ([]Result, error)
}

// Recorder fans a result out to every sink in the background.
// A nil Recorder or one without sinks drops results silently.
type Recorder struct {
	sinks   []Sink
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewRecorder(timeout time.Duration, sinks ...Sink) *Recorder {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	kept := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &Recorder{sinks: kept, timeout: timeout}
}

func (r *Recorder) Record(res Result) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := r.save(ctx, res); err != nil {
			obslog.L().Warn("archive_save_failed", zap.String("game_id", res.GameID), zap.Error(err))
			return
		}
		obslog.L().Debug("archive_saved", zap.String("game_id", res.GameID), zap.String("reason", res.Reason))
	}()
}

func (r *Recorder) save(ctx context.Context, res Result) error {
	var errs []error
	for _, s := range r.sinks {
		if err := s.Save(ctx, res); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Wait blocks until pending saves finish or ctx is done.
func (r *Recorder) Wait(ctx context.Context) error {
	if r == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
