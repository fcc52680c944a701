package cleanup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/yourusername/audio-forge/internal/apierr"
	"github.com/yourusername/audio-forge/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeBlobs struct {
	mu      sync.Mutex
	cutoffs map[storage.Kind]time.Time
	removed map[storage.Kind]int
	errs    map[storage.Kind]error
	calls   atomic.Int32
}

func (f *fakeBlobs) Sweep(_ context.Context, kind storage.Kind, cutoff time.Time) (int, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cutoffs == nil {
		f.cutoffs = map[storage.Kind]time.Time{}
	}
	f.cutoffs[kind] = cutoff
	return f.removed[kind], f.errs[kind]
}

type fakeReaper struct {
	n      int
	maxAge time.Duration
}

func (f *fakeReaper) ReapOld(maxAge time.Duration) int {
	f.maxAge = maxAge
	return f.n
}

func (f *fakeReaper) ReapStale(maxAge time.Duration) int {
	f.maxAge = maxAge
	return f.n
}

func TestNewValidation(t *testing.T) {
	_, err := New(Options{Retention: time.Hour})
	assert.Error(t, err)

	_, err = New(Options{Blobs: &fakeBlobs{}})
	assert.Error(t, err)

	s, err := New(Options{Blobs: &fakeBlobs{}, Retention: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, time.Minute, s.opts.Interval)
}

func TestRunOnceReport(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	blobs := &fakeBlobs{removed: map[storage.Kind]int{storage.KindUpload: 2, storage.KindOutput: 1}}
	jobs := &fakeReaper{n: 3}
	sessions := &fakeReaper{n: 1}

	s, err := New(Options{
		Blobs:     blobs,
		Jobs:      jobs,
		Sessions:  sessions,
		Retention: time.Hour,
		Logger:    zerolog.Nop(),
		Now:       func() time.Time { return now },
	})
	require.NoError(t, err)

	report := s.RunOnce(context.Background())
	assert.Equal(t, 2, report.Uploads)
	assert.Equal(t, 1, report.Outputs)
	assert.Equal(t, 3, report.Jobs)
	assert.Equal(t, 1, report.Sessions)
	assert.Empty(t, report.Errors)

	assert.Equal(t, now.Add(-time.Hour), blobs.cutoffs[storage.KindUpload])
	assert.Equal(t, now.Add(-time.Hour), blobs.cutoffs[storage.KindOutput])
	assert.Equal(t, time.Hour, jobs.maxAge)
	assert.Equal(t, time.Hour, sessions.maxAge)
}

func TestRunOnceToleratesPartialFailure(t *testing.T) {
	blobs := &fakeBlobs{
		removed: map[storage.Kind]int{storage.KindOutput: 4},
		errs:    map[storage.Kind]error{storage.KindUpload: errors.New("permission denied")},
	}
	jobs := &fakeReaper{n: 2}
	s, err := New(Options{Blobs: blobs, Jobs: jobs, Retention: time.Hour, Logger: zerolog.Nop()})
	require.NoError(t, err)

	report := s.RunOnce(context.Background())
	require.Len(t, report.Errors, 1)
	assert.EqualError(t, report.Errors[0], "permission denied")
	assert.Equal(t, 4, report.Outputs)
	assert.Equal(t, 2, report.Jobs)
}

func TestRunRepeatsUntilCancelled(t *testing.T) {
	blobs := &fakeBlobs{}
	s, err := New(Options{Blobs: blobs, Retention: time.Hour, Interval: 10 * time.Millisecond, Logger: zerolog.Nop()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	// 初回 + ticker による 2 回以上 (1 回あたり 2 種類)
	require.Eventually(t, func() bool { return blobs.calls.Load() >= 6 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunOnceWithLocalStorage(t *testing.T) {
	root := t.TempDir()
	files, err := storage.NewLocal(filepath.Join(root, "uploads"), filepath.Join(root, "output"), zerolog.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	old, err := files.Save(ctx, storage.KindOutput, "old.mp3", strings.NewReader("ID3old"))
	require.NoError(t, err)
	fresh, err := files.Save(ctx, storage.KindOutput, "fresh.mp3", strings.NewReader("ID3new"))
	require.NoError(t, err)

	// 本体とサイドカーの両方を古くする
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(old.Path, past, past))
	require.NoError(t, os.Chtimes(filepath.Join(files.Dir(storage.KindOutput), old.ID+".json"), past, past))

	s, err := New(Options{Blobs: files, Retention: time.Hour, Logger: zerolog.Nop()})
	require.NoError(t, err)
	report := s.RunOnce(ctx)
	assert.Equal(t, 2, report.Outputs)
	assert.Empty(t, report.Errors)

	_, err = files.Lookup(storage.KindOutput, old.ID)
	assert.ErrorIs(t, err, apierr.ErrFileNotFound)
	_, err = files.Lookup(storage.KindOutput, fresh.ID)
	assert.NoError(t, err)
}
