package jobs

import "time"

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusComplete   Status = "complete"
	StatusError      Status = "error"
)

// Terminal は終了状態かどうかを返します。
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

// EventType は購読者に届くイベントの種類です。
type EventType string

const (
	EventProgress EventType = "progress"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Result は変換結果のファイルです。
type Result struct {
	FileID   string `json:"fileId"`
	FileName string `json:"fileName"`
}

// Event は進捗ストリームで送る 1 件分のデータです。
type Event struct {
	Type     EventType `json:"type"`
	Progress *int      `json:"progress,omitempty"`
	Result   *Result   `json:"result,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Terminal は終了イベントかどうかを返します。
func (e Event) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

func progressEvent(p int) Event {
	return Event{Type: EventProgress, Progress: &p}
}

func completeEvent(result Result) Event {
	full := 100
	return Event{Type: EventComplete, Progress: &full, Result: &result}
}

func errorEvent(message string) Event {
	return Event{Type: EventError, Error: message}
}

// Snapshot はジョブの現在状態です。状態取得 API と Redis ミラーで使います。
type Snapshot struct {
	JobID      string     `json:"jobId"`
	FileID     string     `json:"fileId"`
	Preset     string     `json:"preset"`
	Status     Status     `json:"status"`
	Progress   int        `json:"progress"`
	Error      string     `json:"error,omitempty"`
	Result     *Result    `json:"result,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Event はスナップショットを購読開始時に送るイベントへ変換します。
func (s Snapshot) Event() Event {
	switch s.Status {
	case StatusComplete:
		if s.Result != nil {
			return completeEvent(*s.Result)
		}
		return completeEvent(Result{})
	case StatusError:
		return errorEvent(s.Error)
	default:
		return progressEvent(s.Progress)
	}
}
