package jobs

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/audio-forge/internal/audio"
)

func newTestJob() *Job {
	return newJob("job-1", "file-1", audio.Plan{Preset: audio.PresetNightcore}, time.Now)
}

func TestJobStateMachine(t *testing.T) {
	j := newTestJob()
	assert.Equal(t, StatusPending, j.Snapshot().Status)

	// pending 中の進捗は無視される
	assert.False(t, j.setProgress(10))

	require.True(t, j.begin())
	assert.False(t, j.begin())
	assert.True(t, j.setProgress(10))
	assert.False(t, j.setProgress(10))
	assert.False(t, j.setProgress(5))
	assert.True(t, j.setProgress(150))
	assert.Equal(t, 99, j.Snapshot().Progress)

	require.True(t, j.complete(Result{FileID: "out", FileName: "a_nightcore.mp3"}))
	assert.False(t, j.fail("late failure"))
	assert.False(t, j.complete(Result{}))
	assert.False(t, j.setProgress(100))

	snap := j.Snapshot()
	assert.Equal(t, StatusComplete, snap.Status)
	assert.Equal(t, 100, snap.Progress)
	assert.Empty(t, snap.Error)
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	j := newTestJob()
	slow := j.Subscribe()
	require.True(t, j.begin())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for p := 1; p <= 99; p++ {
			j.setProgress(p)
		}
		j.complete(Result{FileID: "out", FileName: "a.mp3"})
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a subscriber that never reads")
	}

	// バッファは 1 ジョブ分のイベントをすべて保持できる
	var events []Event
	for ev := range slow.Events() {
		events = append(events, ev)
	}
	require.Len(t, events, 101)
	assertStream(t, events, EventComplete)
}

func TestSubscribeDuringPublishNeverMissesTerminal(t *testing.T) {
	j := newTestJob()
	require.True(t, j.begin())

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		runs [][]Event
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := j.Subscribe()
			var events []Event
			for ev := range sub.Events() {
				events = append(events, ev)
			}
			mu.Lock()
			runs = append(runs, events)
			mu.Unlock()
		}()
	}
	for p := 1; p <= 99; p++ {
		j.setProgress(p)
	}
	j.fail("boom")
	wg.Wait()

	require.Len(t, runs, 20)
	for _, events := range runs {
		final := assertStream(t, events, EventError)
		assert.Equal(t, "boom", final.Error)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	j := newTestJob()
	require.True(t, j.begin())
	sub := j.Subscribe()
	other := j.Subscribe()

	j.setProgress(10)
	sub.Close()
	sub.Close()
	j.setProgress(20)

	var got []Event
	for ev := range sub.Events() {
		got = append(got, ev)
	}
	// 購読時のスナップショットと解除前の 1 件のみ
	require.Len(t, got, 2)
	assert.Equal(t, 10, *got[1].Progress)

	j.fail("stop")
	var rest []Event
	for ev := range other.Events() {
		rest = append(rest, ev)
	}
	assert.Len(t, rest, 4)
}

func TestRequestCancelPendingFailsImmediately(t *testing.T) {
	j := newTestJob()
	sub := j.Subscribe()

	assert.True(t, j.requestCancel("cancelled"))
	assert.False(t, j.requestCancel("again"))
	assert.False(t, j.begin())
	assert.Equal(t, "cancelled", j.cancelMessage())

	var events []Event
	for ev := range sub.Events() {
		events = append(events, ev)
	}
	final := assertStream(t, events, EventError)
	assert.Equal(t, "cancelled", final.Error)
}

func TestEventJSON(t *testing.T) {
	zero, err := json.Marshal(progressEvent(0))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"progress","progress":0}`, string(zero))

	done, err := json.Marshal(completeEvent(Result{FileID: "f", FileName: "a.mp3"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"complete","progress":100,"result":{"fileId":"f","fileName":"a.mp3"}}`, string(done))

	failed, err := json.Marshal(errorEvent("bad"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","error":"bad"}`, string(failed))
}
