package capture

import (
	"time"
)

// DeviceType identifies the emulation profile requested for a capture.
type DeviceType string

// Supported device emulations.
const (
	DeviceAndroid DeviceType = "android"
	DeviceIOS     DeviceType = "ios"
	DeviceDesktop DeviceType = "desktop"
)

// Mobile reports whether the device type routes through the UI-overlay bridge.
func (d DeviceType) Mobile() bool {
	return d == DeviceAndroid || d == DeviceIOS
}

// Priority is a numeric job rank; higher values are served first.
type Priority int

// Priority ranks used by the queues.
const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 5
	PriorityHigh     Priority = 10
	PriorityCritical Priority = 20
)

// AdRecord is one immutable input record describing an ad placement to
// capture. Identity is the (PID, UID) pair; records sharing it are duplicates.
type AdRecord struct {
	WebsiteURL string     `json:"website_url"`
	PID        string     `json:"pid"`
	UID        string     `json:"uid"`
	AdType     string     `json:"ad_type"`
	Selector   string     `json:"selector"`
	DeviceUI   DeviceType `json:"device_ui"`
	Injection  *Injection `json:"injection,omitempty"`
}

// Key returns the deduplication identity of the record.
func (r AdRecord) Key() string {
	return r.PID + "/" + r.UID
}

// Job is one unit of queued work: a single capture attempt series for one
// record. Attempt and RetryCount are mutated only by the queue subsystem.
type Job struct {
	ID          string        `json:"id"`
	BatchID     string        `json:"batch_id"`
	Record      AdRecord      `json:"record"`
	Priority    Priority      `json:"priority"`
	Attempt     int           `json:"attempt"`
	RetryCount  int           `json:"retry_count"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	Delay       time.Duration `json:"delay"`
	ArtifactRef string        `json:"artifact_ref,omitempty"`
	Reclaimed   bool          `json:"reclaimed,omitempty"`
}

// Session is an isolated single-use browser page context with a device
// emulation profile applied. Exactly one job owns a session at a time.
type Session struct {
	ID           string
	Device       DeviceProfile
	Active       bool
	LastActivity time.Time
}

// DeviceProfile carries the emulation parameters for a device type.
// Profiles are looked up from configuration and never mutated.
type DeviceProfile struct {
	Type      DeviceType `mapstructure:"type"`
	Width     int64      `mapstructure:"width"`
	Height    int64      `mapstructure:"height"`
	Scale     float64    `mapstructure:"scale"`
	Mobile    bool       `mapstructure:"mobile"`
	Touch     bool       `mapstructure:"touch"`
	UserAgent string     `mapstructure:"user_agent"`
}

// CaptureMetadata travels with every capture artifact into the handoff stage.
type CaptureMetadata struct {
	Timestamp time.Time  `json:"timestamp"`
	Device    DeviceType `json:"device"`
	PID       string     `json:"pid"`
	UID       string     `json:"uid"`
	AdType    string     `json:"ad_type"`
	URL       string     `json:"url"`
}

// CaptureResult is produced once per job attempt. A failed attempt retries
// the job, not the result.
type CaptureResult struct {
	Success     bool            `json:"success"`
	ArtifactRef string          `json:"artifact_ref,omitempty"`
	Class       ErrorClass      `json:"error_class,omitempty"`
	Error       string          `json:"error,omitempty"`
	Metadata    CaptureMetadata `json:"metadata"`
}

// BatchError records one terminally failed record within a batch.
type BatchError struct {
	Record AdRecord   `json:"record"`
	Class  ErrorClass `json:"error_class"`
	Error  string     `json:"error"`
}

// BatchResult aggregates the outcome of one submitted batch. It is produced
// when every expected job is accounted for, or when the batch times out.
type BatchResult struct {
	BatchID      string        `json:"batch_id"`
	TotalRecords int           `json:"total_records"`
	SuccessCount int           `json:"success_count"`
	ErrorCount   int           `json:"error_count"`
	Errors       []BatchError  `json:"errors,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// DedupeRecords drops records whose (PID, UID) identity was already seen,
// preserving first-occurrence order.
func DedupeRecords(records []AdRecord) []AdRecord {
	seen := make(map[string]struct{}, len(records))
	out := make([]AdRecord, 0, len(records))
	for _, r := range records {
		key := r.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}
	return out
}
