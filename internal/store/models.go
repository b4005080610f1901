package store

import "time"

// Document status constants.
const (
	DocStatusDraft     = "draft"
	DocStatusInReview  = "in_review"
	DocStatusApproved  = "approved"
	DocStatusPublished = "published"
	DocStatusArchived  = "archived"
	DocStatusRejected  = "rejected"
)

// Workflow instance status constants.
const (
	WorkflowStatusActive    = "active"
	WorkflowStatusCompleted = "completed"
	WorkflowStatusRejected  = "rejected"
	WorkflowStatusCancelled = "cancelled"
)

// Approval status constants.
const (
	ApprovalStatusPending  = "pending"
	ApprovalStatusApproved = "approved"
	ApprovalStatusRejected = "rejected"
)

// Workflow history actions.
const (
	HistoryStarted      = "started"
	HistoryStepApproved = "step_approved"
	HistoryStepRejected = "step_rejected"
	HistoryCompleted    = "completed"
	HistoryCancelled    = "cancelled"
)

type User struct {
	ID             string
	DisplayName    string
	Email          string
	PasswordHash   string
	Role           string
	OrganizationID string
	CreatedAt      time.Time
}

// Document is the canonical record for a logical document. LatestVersion
// always equals the number of document_versions rows for the document.
type Document struct {
	ID             string
	OrganizationID string
	Title          string
	DocumentType   string
	SubtypeID      *string
	FolderID       *string
	Status         string
	CreatedBy      string
	LatestVersion  int
	Metadata       map[string]any
	ReviewAt       *time.Time
	ArchiveAt      *time.Time
	DeleteAt       *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Version is an immutable content snapshot. Never updated; cascade-deleted
// with the parent document.
type Version struct {
	ID         int64
	DocumentID string
	Version    int
	Content    string
	CreatedBy  string
	Comments   string
	CreatedAt  time.Time
}

// ModuleBinding addresses a document from its originating module record.
// (module_type, original_id, organization_id) is unique.
type ModuleBinding struct {
	ID             string
	DocumentID     string
	ModuleType     string
	OriginalID     string
	OrganizationID string
	CreatedAt      time.Time
}

type WorkflowTemplate struct {
	ID              string
	OrganizationID  string
	Name            string
	ModuleType      string
	DocumentTypes   []string
	DefaultForTypes []string
	IsActive        bool
	Steps           []WorkflowStep
	CreatedAt       time.Time
}

type WorkflowStep struct {
	ID              string
	TemplateID      string
	StepOrder       int
	Name            string
	ApproverType    string
	ApproverIDs     []string
	RequiredActions []string
}

type Workflow struct {
	ID          string
	DocumentID  string
	TemplateID  string
	Status      string
	CurrentStep int
	TotalSteps  int
	StartedBy   string
	StartedAt   time.Time
	CompletedBy string
	CompletedAt *time.Time
}

type Approval struct {
	ID          string
	WorkflowID  string
	StepOrder   int
	Status      string
	AssignedTo  []string
	CompletedBy string
	CompletedAt *time.Time
	Comment     string
	CreatedAt   time.Time
}

// HistoryEntry is append-only: one row per state-changing workflow action.
type HistoryEntry struct {
	ID         int64
	WorkflowID string
	DocumentID string
	Action     string
	StepOrder  *int
	Actor      string
	Note       string
	CreatedAt  time.Time
}

// AuditEntry is append-only: one row per document-level action.
type AuditEntry struct {
	ID             int64
	DocumentID     string
	OrganizationID string
	Action         string
	Actor          string
	Details        string
	CreatedAt      time.Time
}

type Comment struct {
	ID         string
	DocumentID string
	ParentID   *string
	VersionID  *int64
	Author     string
	Body       string
	IsResolved bool
	ResolvedBy string
	ResolvedAt *time.Time
	CreatedAt  time.Time
}

type Attachment struct {
	ID          string
	DocumentID  string
	FileName    string
	ContentType string
	SizeBytes   int64
	ObjectKey   string
	UploadedBy  string
	CreatedAt   time.Time
}

// Folder constrains filing: a typed folder (or its nearest typed ancestor)
// only accepts subtypes of that document type.
type Folder struct {
	ID             string
	OrganizationID string
	Name           string
	ParentID       *string
	DocumentTypeID *string
	CreatedAt      time.Time
}

type DocumentType struct {
	ID   string
	Name string
}

// Subtype carries its type and lifecycle joined, plus month offsets used to
// compute retention milestones. Nil offsets mean no milestone.
type Subtype struct {
	ID            string
	Name          string
	TypeID        string
	TypeName      string
	LifecycleID   string
	StartState    string
	ReviewMonths  *int
	ArchiveMonths *int
	DeleteMonths  *int
}

// RetentionRule is a per-tenant override of a subtype's retention offsets.
type RetentionRule struct {
	ID             string
	OrganizationID string
	SubtypeID      string
	ReviewMonths   *int
	ArchiveMonths  *int
	DeleteMonths   *int
}
