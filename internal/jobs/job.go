package jobs

import (
	"sync"
	"time"

	"github.com/yourusername/audio-forge/internal/audio"
	"github.com/yourusername/audio-forge/internal/metrics"
	"github.com/yourusername/audio-forge/internal/runner"
)

// subscriberBuffer は 1 ジョブが出しうるイベント数の上限（進捗 99 件 + 終了 1 件 + 購読時の 1 件）以上です。
const subscriberBuffer = 128

// Job は 1 件の変換ジョブです。
//
// 状態・進捗・購読者はすべて mu で保護します。購読登録、スナップショット送信、配信が
// 同じロックの下で行われるため、購読者がイベントを取りこぼしたり重複して受け取ったりしません。
type Job struct {
	id        string
	fileID    string
	plan      audio.Plan
	createdAt time.Time
	now       func() time.Time

	mu              sync.Mutex
	status          Status
	progress        int
	errMsg          string
	result          *Result
	startedAt       time.Time
	finishedAt      time.Time
	updatedAt       time.Time
	handle          *runner.Handle
	cancelRequested bool
	cancelReason    string
	evicted         bool
	subs            map[*Subscription]struct{}
}

func newJob(id, fileID string, plan audio.Plan, now func() time.Time) *Job {
	created := now()
	return &Job{
		id:        id,
		fileID:    fileID,
		plan:      plan,
		createdAt: created,
		now:       now,
		status:    StatusPending,
		updatedAt: created,
		subs:      make(map[*Subscription]struct{}),
	}
}

// ID はジョブ ID を返します。
func (j *Job) ID() string {
	return j.id
}

// Snapshot は現在状態のコピーを返します。
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snapshotLocked()
}

func (j *Job) snapshotLocked() Snapshot {
	snap := Snapshot{
		JobID:     j.id,
		FileID:    j.fileID,
		Preset:    string(j.plan.Preset),
		Status:    j.status,
		Progress:  j.progress,
		Error:     j.errMsg,
		CreatedAt: j.createdAt,
		UpdatedAt: j.updatedAt,
	}
	if j.result != nil {
		r := *j.result
		snap.Result = &r
	}
	if !j.startedAt.IsZero() {
		t := j.startedAt
		snap.StartedAt = &t
	}
	if !j.finishedAt.IsZero() {
		t := j.finishedAt
		snap.FinishedAt = &t
	}
	return snap
}

// Subscribe は購読を登録し、現在状態を最初のイベントとして送ります。
// 終了済みのジョブでは終了イベント 1 件を送った直後にチャネルを閉じます。
func (j *Job) Subscribe() *Subscription {
	sub := &Subscription{
		ch:  make(chan Event, subscriberBuffer),
		job: j,
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	sub.ch <- j.snapshotLocked().Event()
	if j.status.Terminal() {
		close(sub.ch)
		return sub
	}
	j.subs[sub] = struct{}{}
	metrics.SubscribersActive.Inc()
	return sub
}

func (j *Job) unsubscribe(sub *Subscription) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.subs[sub]; !ok {
		return
	}
	delete(j.subs, sub)
	close(sub.ch)
	metrics.SubscribersActive.Dec()
}

// publishLocked は登録中の全購読者へ送ります。バッファが埋まった購読者の分だけ捨てます。
func (j *Job) publishLocked(ev Event) {
	for sub := range j.subs {
		select {
		case sub.ch <- ev:
		default:
			metrics.EventsDropped.Inc()
		}
	}
}

func (j *Job) closeSubscribersLocked() {
	for sub := range j.subs {
		close(sub.ch)
		delete(j.subs, sub)
		metrics.SubscribersActive.Dec()
	}
}

// begin は pending から processing へ遷移します。キャンセル済みや終了済みなら false を返します。
func (j *Job) begin() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != StatusPending || j.cancelRequested {
		return false
	}
	j.status = StatusProcessing
	j.startedAt = j.now()
	j.updatedAt = j.startedAt
	return true
}

// attach は起動したプロセスを紐付けます。
// 起動までの間にキャンセルが要求されていた場合は false を返します。
func (j *Job) attach(h *runner.Handle) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != StatusProcessing {
		return false
	}
	j.handle = h
	return !j.cancelRequested
}

// setProgress は進捗が増えた場合のみ更新して配信します。
func (j *Job) setProgress(p int) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != StatusProcessing || p <= j.progress {
		return false
	}
	j.progress = min(p, 99)
	j.updatedAt = j.now()
	j.publishLocked(progressEvent(j.progress))
	return true
}

// complete は成功として終了させます。すでに終了している場合は false を返します。
func (j *Job) complete(result Result) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return false
	}
	j.status = StatusComplete
	j.progress = 100
	j.result = &result
	j.finishLocked()
	j.publishLocked(completeEvent(result))
	j.closeSubscribersLocked()
	return true
}

// fail は失敗として終了させます。すでに終了している場合は false を返します。
func (j *Job) fail(message string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return false
	}
	j.status = StatusError
	j.errMsg = message
	j.finishLocked()
	j.publishLocked(errorEvent(message))
	j.closeSubscribersLocked()
	return true
}

func (j *Job) finishLocked() {
	j.handle = nil
	j.finishedAt = j.now()
	j.updatedAt = j.finishedAt
}

// requestCancel はキャンセルを要求します。
// pending なら即座に失敗させ、processing ならプロセスに終了を要求します。
// 終了イベントはプロセスの終了を確認してから送られます。
func (j *Job) requestCancel(message string) (cancelledPending bool) {
	j.mu.Lock()
	if j.status.Terminal() {
		j.mu.Unlock()
		return false
	}
	j.cancelRequested = true
	if j.cancelReason == "" {
		j.cancelReason = message
	}
	handle := j.handle
	pending := j.status == StatusPending
	j.mu.Unlock()

	if pending {
		return j.fail(message)
	}
	if handle != nil {
		handle.Cancel()
	}
	return false
}

// cancelMessage はキャンセル要求時に指定された理由を返します。
func (j *Job) cancelMessage() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelReason
}

// evict はレジストリから外されたことを記録します。以後ミラーには書き込みません。
func (j *Job) evict() {
	j.mu.Lock()
	j.evicted = true
	j.mu.Unlock()
}

func (j *Job) isEvicted() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.evicted
}

// Subscription は 1 購読者分の受信チャネルです。
type Subscription struct {
	ch  chan Event
	job *Job
}

// Events はイベントを受け取るチャネルを返します。終了イベントの後、または Close で閉じられます。
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close は購読を解除します。複数回呼んでも問題ありません。
func (s *Subscription) Close() {
	s.job.unsubscribe(s)
}
