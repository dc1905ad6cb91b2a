// Package model defines the persistent entities shared across the engine.
// Fields map 1:1 to columns; timestamps are stored as Unix nanoseconds
// (zero means unset), nullable columns use pointer types.
package model

// Tenant is a tenant-bank subscription owning case files and schedules.
type Tenant struct {
	ID            string
	Name          string
	ScrapeEnabled bool
}

// MonitoringLogicKey marks the notification schedules that drive scraping.
const MonitoringLogicKey = "portal-monitoring"

// NotificationSchedule is a set of wall-clock notification times for a tenant.
// Only schedules with LogicKey == MonitoringLogicKey are considered by the
// scheduler.
type NotificationSchedule struct {
	ID       int64
	TenantID string
	LogicKey string
	Times    []string // "HH:MM" entries
	Enabled  bool
}

// CaseFile is one monitored judicial case.
type CaseFile struct {
	ID                string
	TenantID          string
	CaseNumber        string
	PartyName         string
	ScrapeEnabled     bool
	ScanValid         bool
	Archived          bool
	WasScanned        bool
	HasPendingChanges bool
	CreatedAtNs       int64
	LastScrapedAtNs   int64 // 0 = never scraped
}

// BinnacleType tags a timeline entry as a resolution or a procedural writ.
type BinnacleType string

const (
	BinnacleResolution BinnacleType = "RESOLUTION"
	BinnacleWrit       BinnacleType = "WRIT"
)

// Binnacle is one dated entry on a case file's timeline.
// (CaseFileID, Index) is unique; Index is 1-based in Portal order.
type Binnacle struct {
	ID               int64
	CaseFileID       string
	Index            int
	ResolutionDate   *string // ISO-8601
	EntryDate        *string // ISO-8601
	Resolution       *string
	Acto             *string
	Fojas            *int64
	Folios           *int64
	ProvedioDate     *string // ISO-8601
	Sumilla          *string
	UserDescription  *string
	NotificationType *string
	TypeTag          BinnacleType
	ProceduralStage  *string
	CreatedAtNs      int64
	UpdatedAtNs      int64
}

// Notification is one delivery record attached to a binnacle.
type Notification struct {
	ID             int64
	BinnacleID     int64
	Code           string
	Addressee      *string
	ShipDate       *string
	Attachments    *string
	DeliveryMethod *string
	SentDate       *string
	ReceivedDate   *string
	ReturnedDate   *string
	ResentDate     *string
	DeliveredDate  *string
	ReadDate       *string
}

// FileAttachment records a downloaded binnacle document stored in the object
// store. (BinnacleID, OriginalName) is unique.
type FileAttachment struct {
	ID           int64
	BinnacleID   int64
	OriginalName string
	SizeBytes    int64
	ObjectKey    string
	CreatedAtNs  int64
}

// Snapshot is the canonical state of a case file at its most recent
// successful scrape. Exactly one row exists per case file; writes are upserts.
type Snapshot struct {
	CaseFileID          string
	TenantID            string
	ContentHash         string // 64-char lowercase hex SHA-256
	BinnacleCount       int
	CanonicalPayload    string // serialized canonical binnacle list (JSON text)
	LastScrapedAtNs     int64
	LastChangedAtNs     int64 // 0 = never changed since first scrape
	ScrapeCount         int64
	ConsecutiveNoChange int64
	ErrorCount          int64
	LastError           string
}

// ChangeType classifies one detected difference between two snapshots.
type ChangeType string

const (
	ChangeNewBinnacle      ChangeType = "NEW_BINNACLE"
	ChangeModifiedBinnacle ChangeType = "MODIFIED_BINNACLE"
	ChangeRemovedBinnacle  ChangeType = "REMOVED_BINNACLE"
	ChangeNewNotification  ChangeType = "NEW_NOTIFICATION"
	ChangeNewFile          ChangeType = "NEW_FILE"
)

// ChangeLogEntry is one append-only change record consumed by the downstream
// notification dispatcher. The engine writes Notified=false and never flips it.
type ChangeLogEntry struct {
	ID           int64
	CaseFileID   string
	TenantID     string
	ChangeType   ChangeType
	FieldName    *string
	OldValue     *string
	NewValue     *string
	DetectedAtNs int64
	Notified     bool
	NotifiedAtNs int64
}

// JobKind identifies the queue lane a job attempt ran in.
type JobKind string

const (
	JobInitial  JobKind = "INITIAL"
	JobMonitor  JobKind = "MONITOR"
	JobPriority JobKind = "PRIORITY"
)

// JobStatus is the outcome of one job attempt.
type JobStatus string

const (
	JobStarted   JobStatus = "STARTED"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobRetrying  JobStatus = "RETRYING"
)

// JobLogEntry is one row per job attempt.
type JobLogEntry struct {
	ID              int64
	CaseFileID      string
	TenantID        string
	JobKind         JobKind
	Status          JobStatus
	Attempt         int
	DurationMs      *int64
	BinnaclesFound  *int64
	ChangesDetected *int64
	ErrorKind       *string
	ErrorMessage    *string
	WorkerID        *string
	StartedAtNs     int64
	CompletedAtNs   int64
}
