package reminder

import (
	"context"
	"strings"

	"calnotify/internal/fanout"
)

// DefaultBody is sent when no body is configured.
const DefaultBody = "You have a calendar event"

// Dispatcher is the fan-out a reminder hands its message to.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg fanout.Message) (fanout.Report, error)
}

// Task is the work a reminder job does when it fires. Targets are not part
// of it: the dispatcher resolves them at fire time.
type Task struct {
	Key   string
	Title string
	Body  string

	dispatch Dispatcher
}

func (t Task) Run(ctx context.Context) error {
	_, err := t.dispatch.Dispatch(ctx, fanout.Message{Key: t.Key, Title: t.Title, Body: t.Body})
	return err
}

func composeBody(body, link string) string {
	body = strings.TrimSpace(body)
	if body == "" {
		body = DefaultBody
	}
	if link = strings.TrimSpace(link); link != "" {
		body += "\n" + link
	}
	return body
}
