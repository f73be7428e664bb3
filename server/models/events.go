package models

import (
	"time"

	"github.com/google/uuid"
)

// Track is a snapshot of a persistent identity owned by the tracker.
type Track struct {
	ID       uint64 `json:"id"`
	Label    uint32 `json:"label"`
	Box      Box    `json:"box"`
	Centroid Point  `json:"centroid"`
	Lifetime uint32 `json:"lifetime"`
	Active   uint32 `json:"active"`
	Inactive uint32 `json:"inactive"`
}

type EventKind string

const (
	EventAppear    EventKind = "appear"
	EventTraced    EventKind = "traced"
	EventDisappear EventKind = "disappear"
)

type LifecycleEvent struct {
	Kind  EventKind `json:"kind"`
	Track Track     `json:"track"`
}

type Counts struct {
	In  int64 `json:"in"`
	Out int64 `json:"out"`
}

type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// CrossingEvent records one qualifying crossing of the counting line.
type CrossingEvent struct {
	ID         uuid.UUID `json:"id"`
	StreamID   string    `json:"stream_id"`
	TrackID    uint64    `json:"track_id"`
	Direction  Direction `json:"direction"`
	Transition string    `json:"transition"`
	Centroid   Point     `json:"centroid"`
	FrameSeq   uint64    `json:"frame_seq"`
	Time       time.Time `json:"time"`
}

type FrameResult struct {
	StreamID     string           `json:"stream_id"`
	Seq          uint64           `json:"seq"`
	Counts       Counts           `json:"counts"`
	Events       []LifecycleEvent `json:"events,omitempty"`
	Crossings    []CrossingEvent  `json:"crossings,omitempty"`
	ActiveTracks int              `json:"active_tracks"`
	Duplicate    bool             `json:"duplicate,omitempty"`
}
