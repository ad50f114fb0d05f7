package types

import (
	"encoding/json"
	"time"
)

// RecordKind identifies the kind of computation a record holds
type RecordKind string

const (
	KindSinglepoint      RecordKind = "singlepoint"
	KindOptimization     RecordKind = "optimization"
	KindGridoptimization RecordKind = "gridoptimization"
	KindTorsiondrive     RecordKind = "torsiondrive"
	KindManybody         RecordKind = "manybody"
	KindReaction         RecordKind = "reaction"
	KindNEB              RecordKind = "neb"
)

// IsService reports whether records of this kind complete through
// iterative service execution rather than a single task
func (k RecordKind) IsService() bool {
	switch k {
	case KindSinglepoint, KindOptimization:
		return false
	default:
		return true
	}
}

// RecordStatus represents the current state of a record
type RecordStatus string

const (
	StatusWaiting   RecordStatus = "waiting"
	StatusRunning   RecordStatus = "running"
	StatusComplete  RecordStatus = "complete"
	StatusError     RecordStatus = "error"
	StatusCancelled RecordStatus = "cancelled"
	StatusInvalid   RecordStatus = "invalid"
	StatusDeleted   RecordStatus = "deleted"
)

// Terminal reports whether a record in this status holds no live task
func (s RecordStatus) Terminal() bool {
	switch s {
	case StatusComplete, StatusError, StatusCancelled, StatusInvalid, StatusDeleted:
		return true
	default:
		return false
	}
}

// TerminalForIteration reports whether a service dependency in this
// status no longer blocks the parent's next iteration step
func (s RecordStatus) TerminalForIteration() bool {
	switch s {
	case StatusComplete, StatusError, StatusCancelled, StatusInvalid:
		return true
	default:
		return false
	}
}

// Priority orders task claims and service admission
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

// Record is a persisted computation with status, history and children
type Record struct {
	ID                 int64           `db:"id" json:"id"`
	Kind               RecordKind      `db:"kind" json:"kind"`
	IsService          bool            `db:"is_service" json:"is_service"`
	Status             RecordStatus    `db:"status" json:"status"`
	StatusBeforeCancel *RecordStatus   `db:"status_before_cancel" json:"-"`
	StatusBeforeDelete *RecordStatus   `db:"status_before_delete" json:"-"`
	SpecificationID    int64           `db:"specification_id" json:"specification_id"`
	DedupHash          string          `db:"dedup_hash" json:"-"`
	Tag                string          `db:"tag" json:"tag"`
	Priority           Priority        `db:"priority" json:"priority"`
	Owner              string          `db:"owner" json:"owner,omitempty"`
	Comment            string          `db:"comment" json:"comment,omitempty"`
	Retries            int             `db:"retries" json:"retries"`
	Properties         json.RawMessage `db:"properties" json:"properties,omitempty"`
	FinalMoleculeID    *int64          `db:"final_molecule_id" json:"final_molecule_id,omitempty"`
	Provenance         json.RawMessage `db:"provenance" json:"provenance,omitempty"`
	CreatedOn          time.Time       `db:"created_on" json:"created_on"`
	ModifiedOn         time.Time       `db:"modified_on" json:"modified_on"`
}

// ComputeHistory is one attempt at computing a record
type ComputeHistory struct {
	ID          int64           `db:"id" json:"id"`
	RecordID    int64           `db:"record_id" json:"record_id"`
	ManagerName string          `db:"manager_name" json:"manager_name,omitempty"`
	Status      RecordStatus    `db:"status" json:"status"`
	Provenance  json.RawMessage `db:"provenance" json:"provenance,omitempty"`
	StartedOn   time.Time       `db:"started_on" json:"started_on"`
	EndedOn     *time.Time      `db:"ended_on" json:"ended_on,omitempty"`
}

// OutputType identifies an output stream of a compute attempt
type OutputType string

const (
	OutputStdout OutputType = "stdout"
	OutputStderr OutputType = "stderr"
	OutputError  OutputType = "error"
)

// OutputStream is an append-only blob attached to a compute attempt
type OutputStream struct {
	ID         int64      `db:"id" json:"id"`
	HistoryID  int64      `db:"history_id" json:"history_id"`
	OutputType OutputType `db:"output_type" json:"output_type"`
	Data       string     `db:"data" json:"data"`
}

// ClaimState is the queue-side state of a task
type ClaimState string

const (
	ClaimWaiting ClaimState = "waiting"
	ClaimRunning ClaimState = "running"
)

// Task is the unit of work a compute manager claims.
// Exactly one task exists per non-terminal atomic record.
type Task struct {
	ID               int64           `db:"id" json:"id"`
	RecordID         int64           `db:"record_id" json:"record_id"`
	RequiredPrograms []string        `db:"-" json:"required_programs"`
	Tag              string          `db:"tag" json:"tag"`
	Priority         Priority        `db:"priority" json:"priority"`
	Function         string          `db:"function" json:"function"`
	FunctionKwargs   json.RawMessage `db:"function_kwargs" json:"function_kwargs"`
	ClaimState       ClaimState      `db:"claim_state" json:"claim_state"`
	ManagerName      *string         `db:"manager_name" json:"manager_name,omitempty"`
	ClaimToken       *string         `db:"claim_token" json:"claim_token,omitempty"`
	ClaimedOn        *time.Time      `db:"claimed_on" json:"claimed_on,omitempty"`
	CreatedOn        time.Time       `db:"created_on" json:"created_on"`
}

// ServiceEntry is the queue row for a record completing through iteration
type ServiceEntry struct {
	ID           int64           `db:"id" json:"id"`
	RecordID     int64           `db:"record_id" json:"record_id"`
	Tag          string          `db:"tag" json:"tag"`
	Priority     Priority        `db:"priority" json:"priority"`
	ServiceState json.RawMessage `db:"service_state" json:"service_state"`
	CreatedOn    time.Time       `db:"created_on" json:"created_on"`
}

// ServiceDependency points a service at a child record it waits on.
// Extras carry driver-chosen reassembly keys (eg {"position": 3}).
type ServiceDependency struct {
	ID        int64           `db:"id" json:"id"`
	ServiceID int64           `db:"service_id" json:"service_id"`
	RecordID  int64           `db:"record_id" json:"record_id"`
	Extras    json.RawMessage `db:"extras" json:"extras,omitempty"`
}

// Molecule is a content-addressed molecular geometry
type Molecule struct {
	ID           int64     `db:"id" json:"id,omitempty"`
	Hash         string    `db:"hash" json:"hash,omitempty"`
	Symbols      []string  `db:"-" json:"symbols"`
	Geometry     []float64 `db:"-" json:"geometry"` // flattened xyz, bohr
	Charge       int       `db:"molecular_charge" json:"molecular_charge"`
	Multiplicity int       `db:"molecular_multiplicity" json:"molecular_multiplicity"`
	Identifier   string    `db:"identifier" json:"identifier,omitempty"`
	CreatedOn    time.Time `db:"created_on" json:"created_on,omitempty"`
}

// Specification is a canonicalised, content-addressed compute descriptor
type Specification struct {
	ID        int64           `db:"id" json:"id"`
	Hash      string          `db:"hash" json:"hash"`
	Kind      RecordKind      `db:"kind" json:"kind"`
	Content   json.RawMessage `db:"content" json:"content"`
	CreatedOn time.Time       `db:"created_on" json:"created_on"`
}

// Manager is a remote compute worker advertising programs and capacity
type Manager struct {
	ID            int64      `db:"id" json:"id"`
	Name          string     `db:"name" json:"name"`
	ClusterName   string     `db:"cluster_name" json:"cluster_name,omitempty"`
	Programs      []string   `db:"-" json:"programs"`
	Tags          []string   `db:"-" json:"tags"`
	Active        bool       `db:"active" json:"active"`
	ClaimedTasks  int        `db:"claimed_tasks" json:"claimed_tasks"`
	Cores         int        `db:"cores" json:"cores,omitempty"`
	MemoryBytes   int64      `db:"memory_bytes" json:"memory_bytes,omitempty"`
	CreatedOn     time.Time  `db:"created_on" json:"created_on"`
	LastHeartbeat time.Time  `db:"last_heartbeat" json:"last_heartbeat"`
	DeactivatedOn *time.Time `db:"deactivated_on" json:"deactivated_on,omitempty"`
}

// Dataset is a named, typed catalogue of (entry x specification) record items
type Dataset struct {
	ID              int64           `db:"id" json:"id"`
	Kind            RecordKind      `db:"kind" json:"kind"`
	Name            string          `db:"name" json:"name"`
	LName           string          `db:"lname" json:"-"`
	Description     string          `db:"description" json:"description,omitempty"`
	Tagline         string          `db:"tagline" json:"tagline,omitempty"`
	Group           string          `db:"dataset_group" json:"group,omitempty"`
	Visibility      bool            `db:"visibility" json:"visibility"`
	DefaultTag      string          `db:"default_tag" json:"default_tag"`
	DefaultPriority Priority        `db:"default_priority" json:"default_priority"`
	Metadata        json.RawMessage `db:"metadata" json:"metadata,omitempty"`
	Provenance      json.RawMessage `db:"provenance" json:"provenance,omitempty"`
	CreatedOn       time.Time       `db:"created_on" json:"created_on"`
	ModifiedOn      time.Time       `db:"modified_on" json:"modified_on"`
}

// DatasetEntry is a named input fragment of a dataset
type DatasetEntry struct {
	ID         int64           `db:"id" json:"id"`
	DatasetID  int64           `db:"dataset_id" json:"dataset_id"`
	Name       string          `db:"name" json:"name"`
	Comment    string          `db:"comment" json:"comment,omitempty"`
	MoleculeID int64           `db:"molecule_id" json:"molecule_id"`
	Attributes json.RawMessage `db:"attributes" json:"attributes,omitempty"`
}

// DatasetSpecification binds a global specification under a dataset-local name
type DatasetSpecification struct {
	ID              int64  `db:"id" json:"id"`
	DatasetID       int64  `db:"dataset_id" json:"dataset_id"`
	Name            string `db:"name" json:"name"`
	Description     string `db:"description" json:"description,omitempty"`
	SpecificationID int64  `db:"specification_id" json:"specification_id"`
}

// DatasetRecordItem maps (dataset, entry, specification) to a record
type DatasetRecordItem struct {
	DatasetID         int64  `db:"dataset_id" json:"dataset_id"`
	EntryName         string `db:"entry_name" json:"entry_name"`
	SpecificationName string `db:"specification_name" json:"specification_name"`
	RecordID          int64  `db:"record_id" json:"record_id"`
}

// User is an authenticated account
type User struct {
	ID           int64     `db:"id" json:"id"`
	Username     string    `db:"username" json:"username"`
	PasswordHash string    `db:"password_hash" json:"-"`
	Role         string    `db:"role" json:"role"`
	Enabled      bool      `db:"enabled" json:"enabled"`
	CreatedOn    time.Time `db:"created_on" json:"created_on"`
}

// InsertMetadata reports the outcome of a bulk insert with deduplication.
// Indices refer to positions in the input sequence.
type InsertMetadata struct {
	InsertedIdx []int `json:"inserted_idx"`
	ExistingIdx []int `json:"existing_idx"`
}

// NInserted returns the number of newly inserted entries
func (m InsertMetadata) NInserted() int { return len(m.InsertedIdx) }

// NExisting returns the number of entries that already existed
func (m InsertMetadata) NExisting() int { return len(m.ExistingIdx) }

// TaskResult is the envelope a manager returns for a claimed task
type TaskResult struct {
	Success       bool            `json:"success"`
	Properties    json.RawMessage `json:"properties,omitempty"`
	FinalMolecule *Molecule       `json:"final_molecule,omitempty"`
	Provenance    json.RawMessage `json:"provenance,omitempty"`
	Stdout        string          `json:"stdout,omitempty"`
	Stderr        string          `json:"stderr,omitempty"`
	ErrorType     string          `json:"error_type,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
}
