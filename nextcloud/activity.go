package nextcloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"nextcloud-notifier/pkg/notifier"
	"strconv"
	"time"
)

const activityPath = "activity/api/v2/activity/files"

type activityJSON struct {
	Datetime    time.Time         `json:"datetime"`
	ActivityID  int64             `json:"activity_id"`
	App         string            `json:"app"`
	Type        string            `json:"type"`
	User        string            `json:"user"`
	SubjectRich []json.RawMessage `json:"subject_rich"`
	Objects     fileRefs          `json:"objects"`
}

type richParameter struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name"`
}

// fileRefs decodes the feed's "objects" map without losing its key order.
type fileRefs []notifier.FileRef

func (f *fileRefs) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}

	switch tok {
	case json.Delim('['):
		// PHP serializes an empty map as an empty list.
		var rest []json.RawMessage
		if err := json.Unmarshal(data, &rest); err != nil {
			return err
		}
		if len(rest) > 0 {
			return errors.New("objects: unexpected non-empty list")
		}
		*f = nil
		return nil
	case json.Delim('{'):
	case nil:
		*f = nil
		return nil
	default:
		return fmt.Errorf("objects: unexpected token %v", tok)
	}

	var refs fileRefs
	index := make(map[string]int)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("objects: unexpected key %v", keyTok)
		}
		var path string
		if err := dec.Decode(&path); err != nil {
			return fmt.Errorf("objects[%s]: %w", key, err)
		}
		// A repeated key keeps its first position and its last value.
		if i, ok := index[key]; ok {
			refs[i].Path = path
			continue
		}
		index[key] = len(refs)
		refs = append(refs, notifier.FileRef{ID: key, Path: path})
	}
	*f = refs
	return nil
}

// displayName picks the rich "user" parameter's name from subject_rich, if any.
func (a *activityJSON) displayName() string {
	if len(a.SubjectRich) < 2 {
		return ""
	}
	var params map[string]richParameter
	if err := json.Unmarshal(a.SubjectRich[1], &params); err != nil {
		// An empty parameter set arrives as [] rather than {}.
		return ""
	}
	return params["user"].Name
}

func (a *activityJSON) toActivity() notifier.Activity {
	return notifier.Activity{
		ID:          a.ActivityID,
		CreatedAt:   a.Datetime,
		User:        a.User,
		DisplayName: a.displayName(),
		Action:      notifier.Action(a.Type),
		App:         a.App,
		Files:       []notifier.FileRef(a.Objects),
	}
}

// Activities returns up to limit activities from the files feed, newest first.
// Pages are requested until limit is reached or the feed runs dry; the feed
// answering 304 ends pagination without an error.
func (c *Client) Activities(ctx context.Context, limit int) ([]notifier.Activity, error) {
	var (
		activities []notifier.Activity
		since      int64
		seen       = make(map[int64]bool)
	)

	for len(activities) < limit {
		page, err := c.activityPage(ctx, limit-len(activities), since)
		if IsNotModified(err) {
			c.logger.Debug("Activity feed exhausted", "since", since, "collected", len(activities))
			break
		}
		if err != nil {
			return nil, fmt.Errorf("fetch activities since %d: %w", since, err)
		}
		if len(page) == 0 {
			break
		}

		added := 0
		for i := range page {
			a := page[i].toActivity()
			if seen[a.ID] {
				continue
			}
			seen[a.ID] = true
			activities = append(activities, a)
			added++
			if since == 0 || a.ID < since {
				since = a.ID
			}
			if len(activities) == limit {
				break
			}
		}

		// A page without anything unseen means the cursor is not advancing.
		if added == 0 {
			c.logger.Warn("Activity page contained only known activities, stopping pagination", "since", since)
			break
		}
	}

	c.logger.Debug("Activities fetched", "limit", limit, "count", len(activities))
	return activities, nil
}

func (c *Client) activityPage(ctx context.Context, limit int, since int64) ([]activityJSON, error) {
	params := url.Values{
		"limit":    {strconv.Itoa(limit)},
		"since":    {strconv.FormatInt(since, 10)},
		"previews": {"false"},
	}
	var page []activityJSON
	if err := c.ocs(ctx, http.MethodGet, activityPath, params, &page); err != nil {
		return nil, err
	}
	return page, nil
}
