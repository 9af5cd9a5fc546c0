package backend

import (
	"context"
	"log"

	"github.com/google/uuid"
	"github.com/lmkapp/lmk/internal/notify"
	"github.com/lmkapp/lmk/internal/state"
	"github.com/lmkapp/lmk/internal/storage"
)

// onIdle decides whether the execution that just ended is worth a
// notification. Monitoring "stop" notifies on any finish, "error" only on a
// failed cell. Executions before notify_min_execution or ending before
// notify_min_time are ignored. Once past those gates, monitoring resets to
// "none" whether or not a notification went out.
func (m *Model) onIdle() {
	mon, _ := m.state.String(state.FieldMonitoringState)
	if mon == "" || mon == state.MonitorNone {
		return
	}

	exec, _ := m.state.Int(state.FieldExecutionNum)
	if minExec, ok := m.state.Int(state.FieldNotifyMinExecution); ok && exec < minExec {
		return
	}
	if minTime, ok := m.state.Int(state.FieldNotifyMinTime); ok && m.nowMillis() < minTime {
		return
	}

	cell, _ := m.state.String(state.FieldCellState)
	if mon == state.MonitorStop || (mon == state.MonitorError && cell == state.CellError) {
		c := m.completion()
		if !m.goTask(func() { m.sendNotification(c) }) {
			log.Printf("backend: dropping notification for execution %d, shutting down", exec)
		}
	}
	m.set(state.FieldMonitoringState, state.MonitorNone)
}

func (m *Model) completion() notify.Completion {
	name, _ := m.state.String(state.FieldNotebookName)
	url, _ := m.state.String(state.FieldURL)
	exec, _ := m.state.Int(state.FieldExecutionNum)
	cell, _ := m.state.String(state.FieldCellState)
	cellErr, _ := m.state.String(state.FieldCellError)

	m.cellMu.Lock()
	text := m.cellText
	m.cellMu.Unlock()

	return notify.Completion{
		NotebookName: name,
		URL:          url,
		ExecutionNum: exec,
		CellState:    cell,
		CellText:     text,
		CellError:    cellErr,
		StartedAt:    millisToTime(m.state.Get(state.FieldCellStartedAt)),
		FinishedAt:   millisToTime(m.state.Get(state.FieldCellFinishedAt)),
	}
}

// sendNotification delivers c to the selected channel (or the default one),
// records it and appends it to sent_notifications.
func (m *Model) sendNotification(c notify.Completion) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	ch := m.resolveChannel()
	msg := notify.CompletionMessage(c)
	msg.SessionID = m.sessionID

	ctx, cancel := context.WithTimeout(m.ctx, notifyTimeout)
	err := m.cfg.Notifier.Send(ctx, ch, msg)
	cancel()

	rec := &storage.Notification{
		ID:        uuid.New().String(),
		SessionID: m.sessionID,
		Message:   msg.Body,
		Delivered: err == nil,
		CreatedAt: m.cfg.Now(),
	}
	entry := map[string]any{
		"notificationId": rec.ID,
		"channelId":      nil,
		"sentAt":         rec.CreatedAt.UnixMilli(),
		"delivered":      rec.Delivered,
	}
	if ch != nil {
		rec.ChannelID = ch.ID
		entry["channelId"] = ch.ID
	}
	if err != nil {
		log.Printf("backend: notification delivery failed: %v", err)
		rec.Error = err.Error()
		entry["error"] = rec.Error
	} else {
		log.Printf("backend: notification sent (%s)", msg.Title)
	}

	if err := m.cfg.Store.SaveNotification(rec); err != nil {
		log.Printf("backend: failed to record notification: %v", err)
	}

	sent, _ := m.state.Get(state.FieldSentNotifications).([]any)
	next := append(append([]any(nil), sent...), entry)
	if len(next) > maxSentNotifications {
		next = next[len(next)-maxSentNotifications:]
	}
	m.set(state.FieldSentNotifications, next)
}

func (m *Model) resolveChannel() *storage.Channel {
	if id, ok := m.state.String(state.FieldSelectedChannel); ok && id != "" {
		ch, err := m.cfg.Store.GetChannel(id)
		if err != nil {
			log.Printf("backend: failed to load channel %s: %v", id, err)
		}
		if ch != nil {
			return ch
		}
	}
	ch, err := m.cfg.Store.DefaultChannel()
	if err != nil {
		log.Printf("backend: failed to load default channel: %v", err)
	}
	return ch
}
