package display

import (
	"time"

	"github.com/rs/zerolog/log"
)

// MaxQueue 队列最大长度，满时丢弃最旧的消息
const MaxQueue = 10

// Message 一条待显示的消息
type Message struct {
	Kind     Kind
	Text     string
	Duration time.Duration
}

// Screen 实际的显示设备
type Screen interface {
	Show(m Message)
	Clear()
}

// Queue 消息队列显示，由主循环调用 Update 刷新
type Queue struct {
	screen  Screen
	pending []Message

	current *Message
	shownAt time.Time
	dropped int
}

// NewQueue 创建消息队列
func NewQueue(screen Screen) *Queue {
	if screen == nil {
		screen = LogScreen{}
	}
	return &Queue{screen: screen}
}

// Notify 入队。d 为 0 表示一直显示到下一条消息
func (q *Queue) Notify(kind Kind, text string, d time.Duration) {
	if len(q.pending) >= MaxQueue {
		q.pending = q.pending[1:]
		q.dropped++
	}
	q.pending = append(q.pending, Message{Kind: kind, Text: text, Duration: d})
}

// Update 到期的消息出队，显示下一条
func (q *Queue) Update(now time.Time) {
	if q.current != nil {
		expired := q.current.Duration > 0 && now.Sub(q.shownAt) >= q.current.Duration
		sticky := q.current.Duration == 0 && len(q.pending) > 0
		if !expired && !sticky {
			return
		}
		q.current = nil
		if len(q.pending) == 0 {
			q.screen.Clear()
			return
		}
	}

	if len(q.pending) == 0 {
		return
	}

	m := q.pending[0]
	q.pending = q.pending[1:]
	q.current = &m
	q.shownAt = now
	q.screen.Show(m)
}

// Off 清空队列并关闭屏幕
func (q *Queue) Off() {
	q.pending = nil
	q.current = nil
	q.screen.Clear()
}

// Len 队列中未显示的消息数
func (q *Queue) Len() int {
	return len(q.pending)
}

// Current 当前显示的消息
func (q *Queue) Current() (Message, bool) {
	if q.current == nil {
		return Message{}, false
	}
	return *q.current, true
}

// Dropped 因队列满被丢弃的消息数
func (q *Queue) Dropped() int {
	return q.dropped
}

// LogScreen 把屏幕内容写入日志
type LogScreen struct{}

func (LogScreen) Show(m Message) {
	ev := log.Info()
	switch m.Kind {
	case Warning:
		ev = log.Warn()
	case Error:
		ev = log.Error()
	}
	ev.Str("component", "display").
		Str("kind", m.Kind.String()).
		Dur("duration", m.Duration).
		Msg(m.Text)
}

func (LogScreen) Clear() {
	log.Debug().Str("component", "display").Msg("screen off")
}
