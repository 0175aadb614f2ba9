// README: Propagation topics and events.
package realtime

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"sakay/internal/types"
)

type Topic string

const TopicOnlineDrivers Topic = "drivers:online"

const tripTopicPrefix = "trip:"

func TripTopic(id types.ID) Topic {
	return Topic(tripTopicPrefix + string(id))
}

// TripID returns the trip id for a trip topic.
func (t Topic) TripID() (types.ID, bool) {
	s := string(t)
	if !strings.HasPrefix(s, tripTopicPrefix) || len(s) == len(tripTopicPrefix) {
		return "", false
	}
	return types.ID(strings.TrimPrefix(s, tripTopicPrefix)), true
}

var ErrUnknownTopic = errors.New("unknown topic")

func ParseTopic(s string) (Topic, error) {
	t := Topic(s)
	if t == TopicOnlineDrivers {
		return t, nil
	}
	if _, ok := t.TripID(); ok {
		return t, nil
	}
	return "", ErrUnknownTopic
}

const (
	KindSnapshot = "snapshot"
	KindPresence = "presence"
	KindTrip     = "trip"
)

// Event is one change notification. Seq increases strictly per topic as seen by a subscriber.
type Event struct {
	Topic   Topic     `json:"topic"`
	Seq     uint64    `json:"seq"`
	Kind    string    `json:"kind"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// Versioned payloads carry the committed version of the state they describe.
// The hub never lets a subscriber see an older version after a newer one.
type Versioned interface {
	StateVersion() int
}

// versionOf reads the state version of a payload. Events relayed from other processes
// arrive as raw JSON and are decoded for their status_version.
func versionOf(kind string, payload any) (int, bool) {
	switch v := payload.(type) {
	case Versioned:
		return v.StateVersion(), true
	case json.RawMessage:
		if kind != KindTrip && kind != KindSnapshot {
			return 0, false
		}
		var head struct {
			StatusVersion *int `json:"status_version"`
		}
		if err := json.Unmarshal(v, &head); err != nil || head.StatusVersion == nil {
			return 0, false
		}
		return *head.StatusVersion, true
	}
	return 0, false
}
