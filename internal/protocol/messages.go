package protocol

import "time"

// ConversionAccepted announces a job entering the conversion pipeline.
type ConversionAccepted struct {
	JobID      string    `json:"job_id"`
	SourceName string    `json:"source_name"`
	Language   string    `json:"language"`
	TextLength int       `json:"text_length"`
	Timestamp  time.Time `json:"timestamp"`
}

// ConversionProgress reports chunk-level advancement of a running job.
type ConversionProgress struct {
	JobID       string    `json:"job_id"`
	State       string    `json:"state"`
	ChunksDone  int       `json:"chunks_done"`
	ChunksTotal int       `json:"chunks_total"`
	Timestamp   time.Time `json:"timestamp"`
}

// ConversionCompleted marks a job whose audio artifact was fully written.
type ConversionCompleted struct {
	JobID      string    `json:"job_id"`
	Artifact   string    `json:"artifact"`
	TextLength int       `json:"text_length"`
	Timestamp  time.Time `json:"timestamp"`
}

// ConversionFailed marks a terminally failed job. Reason carries the
// failure kind (synthesis, assembly, timeout, conversion); Error the detail.
type ConversionFailed struct {
	JobID     string    `json:"job_id"`
	Reason    string    `json:"reason"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectConversionAccepted  = "narro.conversion.accepted"
	SubjectConversionProgress  = "narro.conversion.progress"
	SubjectConversionCompleted = "narro.conversion.completed"
	SubjectConversionFailed    = "narro.conversion.failed"

	// SubjectConversionAll matches every conversion lifecycle subject.
	SubjectConversionAll = "narro.conversion.*"
)
