package models

import "time"

type Event int

const (
	EventNone Event = iota
	EventCompleted
	EventStarted
	EventStopped
)

// String returns the event name used by HTTP trackers.
func (e Event) String() string {
	switch e {
	case EventCompleted:
		return "completed"
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	default:
		return ""
	}
}

type AnnounceRequest struct {
	InfoHash   Hash
	PeerID     [20]byte
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
}

type AnnounceResult struct {
	Interval time.Duration
	Peers    []Addr
}
