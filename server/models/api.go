package models

import "time"

// ImageFrameRequest carries one encoded camera frame to be run through the
// external detector before counting.
type ImageFrameRequest struct {
	ImageData []byte         `json:"image_data" binding:"required"`
	Seq       uint64         `json:"seq"`
	Timestamp int64          `json:"timestamp"`
	Metadata  map[string]any `json:"metadata"`
}

// DetectionResponse is the external detector's reply.
type DetectionResponse struct {
	Width          int         `json:"width"`
	Height         int         `json:"height"`
	Detections     []Detection `json:"detections"`
	ProcessingTime float64     `json:"processing_time"`
	ModelVersion   string      `json:"model_version"`
}

type StreamInfo struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastSeq      uint64    `json:"last_seq"`
	Frames       uint64    `json:"frames"`
	Counts       Counts    `json:"counts"`
	ActiveTracks int       `json:"active_tracks"`
	QueueSize    int       `json:"queue_size"`
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

type APIResponse struct {
	Success bool          `json:"success"`
	Data    any           `json:"data,omitempty"`
	Error   *APIError     `json:"error,omitempty"`
	Meta    *ResponseMeta `json:"meta,omitempty"`
}

type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type ResponseMeta struct {
	RequestID      string    `json:"request_id"`
	Timestamp      time.Time `json:"timestamp"`
	ProcessingTime float64   `json:"processing_time"`
	Version        string    `json:"version"`
}
