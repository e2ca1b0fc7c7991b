package poll

import (
	"cmp"
	"nextcloud-notifier/pkg/notifier"
)

// Flatten expands an activity into one event per referenced file, in feed order.
// The display name falls back to the user id when the feed gave none.
// Activities outside the files app carry no file identity and yield nothing.
func Flatten(a notifier.Activity) []*notifier.Event {
	if a.App != notifier.FilesApp {
		return nil
	}

	events := make([]*notifier.Event, 0, len(a.Files))
	for _, f := range a.Files {
		events = append(events, &notifier.Event{
			CreatedAt:   a.CreatedAt,
			User:        a.User,
			DisplayName: cmp.Or(a.DisplayName, a.User),
			Action:      a.Action,
			FileID:      f.ID,
			FilePath:    f.Path,
			ActivityID:  a.ID,
		})
	}
	return events
}

// flattenAll turns a newest-first activity list into events ordered oldest
// activity first, files within an activity in feed order.
func flattenAll(activities []notifier.Activity) []*notifier.Event {
	var events []*notifier.Event
	for i := len(activities) - 1; i >= 0; i-- {
		events = append(events, Flatten(activities[i])...)
	}
	return events
}
