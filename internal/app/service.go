package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"trialsage/api/internal/auth"
	"trialsage/api/internal/authpw"
	"trialsage/api/internal/blob"
	"trialsage/api/internal/config"
	"trialsage/api/internal/email"
	"trialsage/api/internal/qc"
	"trialsage/api/internal/rbac"
	"trialsage/api/internal/refmodel"
	"trialsage/api/internal/search"
	"trialsage/api/internal/store"
	"trialsage/api/internal/util"
)

type Session struct {
	Token          string
	RefreshToken   string
	UserID         string
	UserName       string
	Role           string
	OrganizationID string
	JTI            string
	ExpiresAt      time.Time
}

type CreateDocumentInput struct {
	Title        string         `json:"title"`
	DocumentType string         `json:"documentType"`
	SubtypeID    string         `json:"subtypeId"`
	FolderID     string         `json:"folderId"`
	Content      string         `json:"content"`
	Metadata     map[string]any `json:"metadata"`
}

type AddVersionInput struct {
	Content  string `json:"content"`
	Comments string `json:"comments"`
}

type FileDocumentInput struct {
	FolderID string `json:"folderId"`
}

type BindModuleInput struct {
	DocumentID string `json:"documentId"`
	ModuleType string `json:"moduleType"`
	OriginalID string `json:"originalId"`
}

type TemplateStepInput struct {
	Name            string   `json:"name"`
	ApproverType    string   `json:"approverType"`
	ApproverIDs     []string `json:"approverIds"`
	RequiredActions []string `json:"requiredActions"`
}

type CreateTemplateInput struct {
	Name            string              `json:"name"`
	ModuleType      string              `json:"moduleType"`
	DocumentTypes   []string            `json:"documentTypes"`
	DefaultForTypes []string            `json:"defaultForTypes"`
	IsActive        *bool               `json:"isActive"`
	Steps           []TemplateStepInput `json:"steps"`
}

type StartWorkflowInput struct {
	TemplateID string `json:"templateId"`
}

type ResolveStepInput struct {
	ExpectedStep int    `json:"expectedStep"`
	Comment      string `json:"comment"`
	Rationale    string `json:"rationale"`
}

type AddCommentInput struct {
	Body      string `json:"body"`
	ParentID  string `json:"parentId"`
	VersionID *int64 `json:"versionId"`
}

type BulkApproveInput struct {
	DocumentIDs []string `json:"documentIds"`
}

// WorkflowDetail is a workflow with its per-step approval rows.
type WorkflowDetail struct {
	Workflow  store.Workflow
	Approvals []store.Approval
}

var allowedApproverTypes = map[string]struct{}{
	"user":  {},
	"role":  {},
	"group": {},
}

type dataStore interface {
	CreateUser(context.Context, store.User) error
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)

	InsertDocument(context.Context, store.Document) error
	GetDocument(ctx context.Context, orgID, documentID string) (store.Document, error)
	ListDocuments(ctx context.Context, orgID string) ([]store.Document, error)
	UpdateDocumentStatus(ctx context.Context, orgID, documentID, status string) error
	SetDocumentFolder(ctx context.Context, orgID, documentID, folderID string, reviewAt, archiveAt, deleteAt *time.Time) error
	DeleteDocument(ctx context.Context, orgID, documentID string) error
	InsertVersion(ctx context.Context, orgID string, version store.Version) (int, error)
	ListVersions(ctx context.Context, documentID string) ([]store.Version, error)

	BindModuleDocument(context.Context, store.ModuleBinding) error
	GetModuleBinding(ctx context.Context, orgID, moduleType, originalID string) (store.ModuleBinding, error)

	InsertTemplate(context.Context, store.WorkflowTemplate) error
	GetTemplate(ctx context.Context, orgID, templateID string) (store.WorkflowTemplate, error)
	FindDefaultTemplate(ctx context.Context, orgID, moduleType, documentType string) (store.WorkflowTemplate, error)
	ListTemplates(ctx context.Context, orgID, moduleType string) ([]store.WorkflowTemplate, error)

	InsertWorkflow(ctx context.Context, workflow store.Workflow, firstApproval store.Approval) error
	GetWorkflow(ctx context.Context, workflowID string) (store.Workflow, error)
	GetActiveWorkflow(ctx context.Context, documentID string) (*store.Workflow, error)
	ResolvePendingApproval(ctx context.Context, workflowID string, stepOrder int, status, completedBy, comment string) (bool, error)
	AdvanceWorkflow(ctx context.Context, workflowID string, nextStep int, approval store.Approval) error
	CompleteWorkflow(ctx context.Context, workflowID, status, completedBy string) error
	ListApprovals(ctx context.Context, workflowID string) ([]store.Approval, error)

	AppendHistory(context.Context, store.HistoryEntry) error
	ListHistory(ctx context.Context, workflowID string) ([]store.HistoryEntry, error)
	AppendAudit(context.Context, store.AuditEntry) error
	ListAudit(ctx context.Context, orgID, documentID string, limit int) ([]store.AuditEntry, error)

	InsertComment(context.Context, store.Comment) error
	ListComments(ctx context.Context, documentID string) ([]store.Comment, error)
	SetCommentResolved(ctx context.Context, commentID string, resolved bool, resolvedBy string) (bool, error)

	InsertAttachment(context.Context, store.Attachment) error
	GetAttachment(ctx context.Context, attachmentID string) (store.Attachment, error)
	ListAttachments(ctx context.Context, documentID string) ([]store.Attachment, error)
	DeleteAttachment(ctx context.Context, attachmentID string) error

	Ping(ctx context.Context) error
}

type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	passwords *authpw.Service
	refmodel  *refmodel.Service
	search    *search.Service
	blobs     *blob.Store
	email     *email.Service
	qcRunner  *qc.Runner
	events    *qcEvents
}

// qcEvents bundles what the handlers need from the notification side: the
// subscribe hook for SSE.
type qcEvents struct {
	subscribe func() (<-chan qc.Event, func())
}

type Options struct {
	Store     *store.PostgresStore
	Sessions  sessionStore
	Passwords *authpw.Service
	RefModel  *refmodel.Service
	Search    *search.Service
	Blobs     *blob.Store
	Email     *email.Service
	Publisher qc.Publisher
	Subscribe func() (<-chan qc.Event, func())
}

func New(cfg config.Config, opts Options) *Service {
	s := &Service{
		cfg:       cfg,
		store:     opts.Store,
		sessions:  opts.Sessions,
		passwords: opts.Passwords,
		refmodel:  opts.RefModel,
		search:    opts.Search,
		blobs:     opts.Blobs,
		email:     opts.Email,
		events:    &qcEvents{subscribe: opts.Subscribe},
	}
	s.qcRunner = qc.NewRunner(qc.CheckerFunc(s.qcCheck), opts.Publisher, cfg.QCStepDelay)
	return s
}

// newForTest wires a Service directly onto fakes.
func newForTest(cfg config.Config, data dataStore, sessions sessionStore, publisher qc.Publisher) *Service {
	s := &Service{
		cfg:      cfg,
		store:    data,
		sessions: sessions,
		events:   &qcEvents{},
	}
	s.qcRunner = qc.NewRunner(qc.CheckerFunc(s.qcCheck), publisher, 0)
	return s
}

// ---------------------------------------------------------------------------
// Sessions

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (Session, error) {
	user, err := s.passwords.SignUp(ctx, req)
	if err != nil {
		return Session{}, validationError(err.Error(), nil)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, req authpw.SignInRequest) (Session, error) {
	user, err := s.passwords.SignIn(ctx, req)
	if err != nil {
		return Session{}, unauthorized(err.Error())
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Role: user.Role,
		Org:  user.OrganizationID,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:          token,
		RefreshToken:   refresh,
		UserID:         user.ID,
		UserName:       user.DisplayName,
		Role:           user.Role,
		OrganizationID: user.OrganizationID,
		JTI:            jti,
		ExpiresAt:      expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:          token,
		UserID:         claims.Sub,
		UserName:       claims.Name,
		Role:           claims.Role,
		OrganizationID: claims.Org,
		JTI:            claims.JTI,
		ExpiresAt:      time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// ---------------------------------------------------------------------------
// Documents

func (s *Service) CreateDocument(ctx context.Context, session Session, input CreateDocumentInput) (store.Document, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return store.Document{}, validationError("title is required", nil)
	}
	if strings.TrimSpace(input.DocumentType) == "" {
		return store.Document{}, validationError("documentType is required", nil)
	}

	status := store.DocStatusDraft
	var subtypeID, folderID *string
	if input.SubtypeID != "" {
		subtypeID = &input.SubtypeID
		if input.FolderID != "" {
			folderID = &input.FolderID
		}
		resolved, err := s.refmodel.ValidateDocumentMetadata(ctx, input.SubtypeID, folderID)
		if err != nil {
			return store.Document{}, err
		}
		status = resolved
	} else if input.FolderID != "" {
		folderID = &input.FolderID
	}

	doc := store.Document{
		ID:             util.NewID("doc"),
		OrganizationID: session.OrganizationID,
		Title:          title,
		DocumentType:   input.DocumentType,
		SubtypeID:      subtypeID,
		FolderID:       folderID,
		Status:         status,
		CreatedBy:      session.UserName,
		Metadata:       input.Metadata,
	}
	if err := s.store.InsertDocument(ctx, doc); err != nil {
		return store.Document{}, err
	}

	if input.Content != "" {
		if _, err := s.store.InsertVersion(ctx, session.OrganizationID, store.Version{
			DocumentID: doc.ID,
			Content:    input.Content,
			CreatedBy:  session.UserName,
			Comments:   "Initial version",
		}); err != nil {
			return store.Document{}, err
		}
		doc.LatestVersion = 1
	}

	s.audit(ctx, session, doc.ID, "document_created", fmt.Sprintf("type=%s", doc.DocumentType))
	if s.search != nil {
		s.search.IndexDocument(search.DocumentRecord{
			ID:             doc.ID,
			Title:          doc.Title,
			DocumentType:   doc.DocumentType,
			OrganizationID: doc.OrganizationID,
			Status:         doc.Status,
		})
	}
	return s.store.GetDocument(ctx, session.OrganizationID, doc.ID)
}

func (s *Service) GetDocument(ctx context.Context, session Session, documentID string) (store.Document, error) {
	return s.store.GetDocument(ctx, session.OrganizationID, documentID)
}

func (s *Service) ListDocuments(ctx context.Context, session Session) ([]store.Document, error) {
	return s.store.ListDocuments(ctx, session.OrganizationID)
}

func (s *Service) DeleteDocument(ctx context.Context, session Session, documentID string) error {
	active, err := s.store.GetActiveWorkflow(ctx, documentID)
	if err != nil {
		return err
	}
	if active != nil {
		return invalidState("document has an active workflow")
	}
	if err := s.store.DeleteDocument(ctx, session.OrganizationID, documentID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteDocument(documentID)
	}
	return nil
}

func (s *Service) AddVersion(ctx context.Context, session Session, documentID string, input AddVersionInput) (store.Version, error) {
	if strings.TrimSpace(input.Content) == "" {
		return store.Version{}, validationError("content is required", nil)
	}
	doc, err := s.store.GetDocument(ctx, session.OrganizationID, documentID)
	if err != nil {
		return store.Version{}, err
	}
	if doc.Status == store.DocStatusArchived {
		return store.Version{}, invalidState("archived documents are read-only")
	}

	version, err := s.store.InsertVersion(ctx, session.OrganizationID, store.Version{
		DocumentID: documentID,
		Content:    input.Content,
		CreatedBy:  session.UserName,
		Comments:   input.Comments,
	})
	if err != nil {
		return store.Version{}, err
	}

	s.audit(ctx, session, documentID, "version_added", fmt.Sprintf("version=%d", version))
	return store.Version{
		DocumentID: documentID,
		Version:    version,
		Content:    input.Content,
		CreatedBy:  session.UserName,
		Comments:   input.Comments,
	}, nil
}

func (s *Service) ListVersions(ctx context.Context, session Session, documentID string) ([]store.Version, error) {
	if _, err := s.store.GetDocument(ctx, session.OrganizationID, documentID); err != nil {
		return nil, err
	}
	return s.store.ListVersions(ctx, documentID)
}

// FileDocument files a document into a folder, enforcing the reference model
// and stamping retention milestones.
func (s *Service) FileDocument(ctx context.Context, session Session, documentID string, input FileDocumentInput) (store.Document, error) {
	if input.FolderID == "" {
		return store.Document{}, validationError("folderId is required", nil)
	}
	doc, err := s.store.GetDocument(ctx, session.OrganizationID, documentID)
	if err != nil {
		return store.Document{}, err
	}
	if doc.SubtypeID == nil {
		return store.Document{}, validationError("document has no subtype; assign one before filing", nil)
	}

	if err := s.refmodel.EnforceFolder(ctx, input.FolderID, *doc.SubtypeID); err != nil {
		return store.Document{}, err
	}
	dates, err := s.refmodel.CalculateRetentionDates(ctx, session.OrganizationID, *doc.SubtypeID)
	if err != nil {
		return store.Document{}, err
	}

	if err := s.store.SetDocumentFolder(ctx, session.OrganizationID, documentID, input.FolderID, dates.ReviewAt, dates.ArchiveAt, dates.DeleteAt); err != nil {
		return store.Document{}, err
	}
	s.audit(ctx, session, documentID, "document_filed", fmt.Sprintf("folder=%s", input.FolderID))
	return s.store.GetDocument(ctx, session.OrganizationID, documentID)
}

// ResubmitDocument returns a rejected document to draft so a new workflow
// can be started.
func (s *Service) ResubmitDocument(ctx context.Context, session Session, documentID string) (store.Document, error) {
	doc, err := s.store.GetDocument(ctx, session.OrganizationID, documentID)
	if err != nil {
		return store.Document{}, err
	}
	if doc.Status != store.DocStatusRejected {
		return store.Document{}, invalidState("only rejected documents can be resubmitted")
	}
	if err := s.store.UpdateDocumentStatus(ctx, session.OrganizationID, documentID, store.DocStatusDraft); err != nil {
		return store.Document{}, err
	}
	s.audit(ctx, session, documentID, "document_resubmitted", "")
	return s.store.GetDocument(ctx, session.OrganizationID, documentID)
}

func (s *Service) ListAudit(ctx context.Context, session Session, documentID string, limit int) ([]store.AuditEntry, error) {
	if _, err := s.store.GetDocument(ctx, session.OrganizationID, documentID); err != nil {
		return nil, err
	}
	return s.store.ListAudit(ctx, session.OrganizationID, documentID, limit)
}

// ---------------------------------------------------------------------------
// Module bindings

func (s *Service) BindModule(ctx context.Context, session Session, input BindModuleInput) (store.ModuleBinding, error) {
	if input.DocumentID == "" || input.ModuleType == "" || input.OriginalID == "" {
		return store.ModuleBinding{}, validationError("documentId, moduleType, and originalId are required", nil)
	}
	if _, err := s.store.GetDocument(ctx, session.OrganizationID, input.DocumentID); err != nil {
		return store.ModuleBinding{}, err
	}
	if _, err := s.store.GetModuleBinding(ctx, session.OrganizationID, input.ModuleType, input.OriginalID); err == nil {
		return store.ModuleBinding{}, invalidState("module record is already bound to a document")
	}

	binding := store.ModuleBinding{
		ID:             util.NewID("bind"),
		DocumentID:     input.DocumentID,
		ModuleType:     input.ModuleType,
		OriginalID:     input.OriginalID,
		OrganizationID: session.OrganizationID,
	}
	if err := s.store.BindModuleDocument(ctx, binding); err != nil {
		return store.ModuleBinding{}, err
	}
	s.audit(ctx, session, input.DocumentID, "module_bound", fmt.Sprintf("%s/%s", input.ModuleType, input.OriginalID))
	return binding, nil
}

func (s *Service) GetModuleDocument(ctx context.Context, session Session, moduleType, originalID string) (store.Document, error) {
	binding, err := s.store.GetModuleBinding(ctx, session.OrganizationID, moduleType, originalID)
	if err != nil {
		return store.Document{}, err
	}
	return s.store.GetDocument(ctx, session.OrganizationID, binding.DocumentID)
}

// ---------------------------------------------------------------------------
// Workflow templates

func (s *Service) CreateTemplate(ctx context.Context, session Session, input CreateTemplateInput) (store.WorkflowTemplate, error) {
	if strings.TrimSpace(input.Name) == "" {
		return store.WorkflowTemplate{}, validationError("name is required", nil)
	}
	if len(input.Steps) == 0 {
		return store.WorkflowTemplate{}, validationError("at least one step is required", nil)
	}

	template := store.WorkflowTemplate{
		ID:              util.NewID("wft"),
		OrganizationID:  session.OrganizationID,
		Name:            input.Name,
		ModuleType:      input.ModuleType,
		DocumentTypes:   input.DocumentTypes,
		DefaultForTypes: input.DefaultForTypes,
		IsActive:        true,
	}
	if input.IsActive != nil {
		template.IsActive = *input.IsActive
	}

	for i, stepInput := range input.Steps {
		if strings.TrimSpace(stepInput.Name) == "" {
			return store.WorkflowTemplate{}, validationError(fmt.Sprintf("step %d: name is required", i+1), nil)
		}
		if _, ok := allowedApproverTypes[stepInput.ApproverType]; !ok {
			return store.WorkflowTemplate{}, validationError(
				fmt.Sprintf("step %d: approverType must be user, role, or group", i+1), nil)
		}
		if len(stepInput.ApproverIDs) == 0 {
			return store.WorkflowTemplate{}, validationError(fmt.Sprintf("step %d: approverIds is required", i+1), nil)
		}
		template.Steps = append(template.Steps, store.WorkflowStep{
			ID:              util.NewID("stp"),
			TemplateID:      template.ID,
			StepOrder:       i + 1,
			Name:            stepInput.Name,
			ApproverType:    stepInput.ApproverType,
			ApproverIDs:     stepInput.ApproverIDs,
			RequiredActions: stepInput.RequiredActions,
		})
	}

	if err := s.store.InsertTemplate(ctx, template); err != nil {
		return store.WorkflowTemplate{}, err
	}
	return s.store.GetTemplate(ctx, session.OrganizationID, template.ID)
}

func (s *Service) ListTemplates(ctx context.Context, session Session, moduleType string) ([]store.WorkflowTemplate, error) {
	return s.store.ListTemplates(ctx, session.OrganizationID, moduleType)
}

// ---------------------------------------------------------------------------
// Workflow instances

func (s *Service) StartWorkflow(ctx context.Context, session Session, documentID string, input StartWorkflowInput) (store.Workflow, error) {
	doc, err := s.store.GetDocument(ctx, session.OrganizationID, documentID)
	if err != nil {
		return store.Workflow{}, err
	}
	if doc.Status == store.DocStatusRejected {
		return store.Workflow{}, invalidState("rejected documents must be resubmitted before starting a workflow")
	}

	active, err := s.store.GetActiveWorkflow(ctx, documentID)
	if err != nil {
		return store.Workflow{}, err
	}
	if active != nil {
		return store.Workflow{}, invalidState("document already has an active workflow")
	}

	var template store.WorkflowTemplate
	if input.TemplateID != "" {
		template, err = s.store.GetTemplate(ctx, session.OrganizationID, input.TemplateID)
		if err != nil {
			return store.Workflow{}, err
		}
	} else {
		template, err = s.store.FindDefaultTemplate(ctx, session.OrganizationID, "", doc.DocumentType)
		if errors.Is(err, sql.ErrNoRows) {
			return store.Workflow{}, validationError("no default workflow template for document type "+doc.DocumentType, nil)
		}
		if err != nil {
			return store.Workflow{}, err
		}
	}

	if !template.IsActive {
		return store.Workflow{}, invalidState("workflow template is not active")
	}
	if len(template.DocumentTypes) > 0 && !contains(template.DocumentTypes, doc.DocumentType) {
		return store.Workflow{}, validationError("template does not apply to document type "+doc.DocumentType, nil)
	}
	if len(template.Steps) == 0 {
		return store.Workflow{}, validationError("template has no steps", nil)
	}

	firstStep := template.Steps[0]
	workflow := store.Workflow{
		ID:          util.NewID("wf"),
		DocumentID:  documentID,
		TemplateID:  template.ID,
		Status:      store.WorkflowStatusActive,
		CurrentStep: 1,
		TotalSteps:  len(template.Steps),
		StartedBy:   session.UserName,
	}
	firstApproval := store.Approval{
		ID:         util.NewID("apv"),
		WorkflowID: workflow.ID,
		StepOrder:  1,
		Status:     store.ApprovalStatusPending,
		AssignedTo: firstStep.ApproverIDs,
	}
	if err := s.store.InsertWorkflow(ctx, workflow, firstApproval); err != nil {
		return store.Workflow{}, err
	}

	if err := s.store.UpdateDocumentStatus(ctx, session.OrganizationID, documentID, store.DocStatusInReview); err != nil {
		return store.Workflow{}, err
	}

	stepOne := 1
	s.history(ctx, store.HistoryEntry{
		WorkflowID: workflow.ID,
		DocumentID: documentID,
		Action:     store.HistoryStarted,
		StepOrder:  &stepOne,
		Actor:      session.UserName,
		Note:       "template " + template.Name,
	}, session.OrganizationID)
	s.audit(ctx, session, documentID, "workflow_started", "workflow="+workflow.ID)
	s.notifyPendingStep(ctx, doc, workflow, firstStep)

	return s.store.GetWorkflow(ctx, workflow.ID)
}

// ApproveStep records an approval for the expected step. A stale expected
// step, a finished workflow, or a lost race all come back INVALID_STATE with
// nothing mutated.
func (s *Service) ApproveStep(ctx context.Context, session Session, workflowID string, input ResolveStepInput) (store.Workflow, error) {
	workflow, doc, template, err := s.loadActiveWorkflow(ctx, session, workflowID, input.ExpectedStep)
	if err != nil {
		return store.Workflow{}, err
	}

	won, err := s.store.ResolvePendingApproval(ctx, workflowID, input.ExpectedStep, store.ApprovalStatusApproved, session.UserName, input.Comment)
	if err != nil {
		return store.Workflow{}, err
	}
	if !won {
		return store.Workflow{}, invalidState("step already resolved")
	}

	step := input.ExpectedStep
	s.history(ctx, store.HistoryEntry{
		WorkflowID: workflowID,
		DocumentID: workflow.DocumentID,
		Action:     store.HistoryStepApproved,
		StepOrder:  &step,
		Actor:      session.UserName,
		Note:       input.Comment,
	}, session.OrganizationID)

	if input.ExpectedStep >= workflow.TotalSteps {
		if err := s.store.CompleteWorkflow(ctx, workflowID, store.WorkflowStatusCompleted, session.UserName); err != nil {
			return store.Workflow{}, err
		}
		if err := s.store.UpdateDocumentStatus(ctx, session.OrganizationID, workflow.DocumentID, store.DocStatusApproved); err != nil {
			return store.Workflow{}, err
		}
		s.history(ctx, store.HistoryEntry{
			WorkflowID: workflowID,
			DocumentID: workflow.DocumentID,
			Action:     store.HistoryCompleted,
			Actor:      session.UserName,
		}, session.OrganizationID)
		s.audit(ctx, session, workflow.DocumentID, "workflow_completed", "workflow="+workflowID)
		return s.store.GetWorkflow(ctx, workflowID)
	}

	nextStep := input.ExpectedStep + 1
	nextTemplateStep, ok := stepByOrder(template, nextStep)
	if !ok {
		return store.Workflow{}, fmt.Errorf("template %s missing step %d", template.ID, nextStep)
	}
	nextApproval := store.Approval{
		ID:         util.NewID("apv"),
		WorkflowID: workflowID,
		StepOrder:  nextStep,
		Status:     store.ApprovalStatusPending,
		AssignedTo: nextTemplateStep.ApproverIDs,
	}
	if err := s.store.AdvanceWorkflow(ctx, workflowID, nextStep, nextApproval); err != nil {
		return store.Workflow{}, err
	}
	s.notifyPendingStep(ctx, doc, workflow, nextTemplateStep)

	return s.store.GetWorkflow(ctx, workflowID)
}

// RejectStep rejects the expected step, which terminates the workflow.
func (s *Service) RejectStep(ctx context.Context, session Session, workflowID string, input ResolveStepInput) (store.Workflow, error) {
	rationale := input.Rationale
	if rationale == "" {
		rationale = input.Comment
	}
	if strings.TrimSpace(rationale) == "" {
		return store.Workflow{}, validationError("rationale is required to reject", nil)
	}

	workflow, _, _, err := s.loadActiveWorkflow(ctx, session, workflowID, input.ExpectedStep)
	if err != nil {
		return store.Workflow{}, err
	}

	won, err := s.store.ResolvePendingApproval(ctx, workflowID, input.ExpectedStep, store.ApprovalStatusRejected, session.UserName, rationale)
	if err != nil {
		return store.Workflow{}, err
	}
	if !won {
		return store.Workflow{}, invalidState("step already resolved")
	}

	if err := s.store.CompleteWorkflow(ctx, workflowID, store.WorkflowStatusRejected, session.UserName); err != nil {
		return store.Workflow{}, err
	}
	if err := s.store.UpdateDocumentStatus(ctx, session.OrganizationID, workflow.DocumentID, store.DocStatusRejected); err != nil {
		return store.Workflow{}, err
	}

	step := input.ExpectedStep
	s.history(ctx, store.HistoryEntry{
		WorkflowID: workflowID,
		DocumentID: workflow.DocumentID,
		Action:     store.HistoryStepRejected,
		StepOrder:  &step,
		Actor:      session.UserName,
		Note:       rationale,
	}, session.OrganizationID)
	s.audit(ctx, session, workflow.DocumentID, "workflow_rejected", "workflow="+workflowID)

	return s.store.GetWorkflow(ctx, workflowID)
}

// CancelWorkflow aborts an active workflow and returns the document to draft.
func (s *Service) CancelWorkflow(ctx context.Context, session Session, workflowID string) (store.Workflow, error) {
	workflow, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return store.Workflow{}, err
	}
	if workflow.Status != store.WorkflowStatusActive {
		return store.Workflow{}, invalidState("workflow is not active")
	}
	if _, err := s.store.GetDocument(ctx, session.OrganizationID, workflow.DocumentID); err != nil {
		return store.Workflow{}, err
	}

	// The open approval row stays as it is; a cancellation closes the run
	// without recording anyone's decision.
	if err := s.store.CompleteWorkflow(ctx, workflowID, store.WorkflowStatusCancelled, session.UserName); err != nil {
		return store.Workflow{}, err
	}
	if err := s.store.UpdateDocumentStatus(ctx, session.OrganizationID, workflow.DocumentID, store.DocStatusDraft); err != nil {
		return store.Workflow{}, err
	}

	s.history(ctx, store.HistoryEntry{
		WorkflowID: workflowID,
		DocumentID: workflow.DocumentID,
		Action:     store.HistoryCancelled,
		Actor:      session.UserName,
	}, session.OrganizationID)
	s.audit(ctx, session, workflow.DocumentID, "workflow_cancelled", "workflow="+workflowID)

	return s.store.GetWorkflow(ctx, workflowID)
}

func (s *Service) GetWorkflow(ctx context.Context, session Session, workflowID string) (WorkflowDetail, error) {
	workflow, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return WorkflowDetail{}, err
	}
	if _, err := s.store.GetDocument(ctx, session.OrganizationID, workflow.DocumentID); err != nil {
		return WorkflowDetail{}, err
	}
	approvals, err := s.store.ListApprovals(ctx, workflowID)
	if err != nil {
		return WorkflowDetail{}, err
	}
	return WorkflowDetail{Workflow: workflow, Approvals: approvals}, nil
}

func (s *Service) ListWorkflowHistory(ctx context.Context, session Session, workflowID string) ([]store.HistoryEntry, error) {
	workflow, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetDocument(ctx, session.OrganizationID, workflow.DocumentID); err != nil {
		return nil, err
	}
	return s.store.ListHistory(ctx, workflowID)
}

func (s *Service) loadActiveWorkflow(ctx context.Context, session Session, workflowID string, expectedStep int) (store.Workflow, store.Document, store.WorkflowTemplate, error) {
	workflow, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return store.Workflow{}, store.Document{}, store.WorkflowTemplate{}, err
	}
	doc, err := s.store.GetDocument(ctx, session.OrganizationID, workflow.DocumentID)
	if err != nil {
		return store.Workflow{}, store.Document{}, store.WorkflowTemplate{}, err
	}
	if workflow.Status != store.WorkflowStatusActive {
		return store.Workflow{}, store.Document{}, store.WorkflowTemplate{}, invalidState("workflow is not active")
	}
	if expectedStep != workflow.CurrentStep {
		return store.Workflow{}, store.Document{}, store.WorkflowTemplate{}, invalidState(
			fmt.Sprintf("expected step %d but workflow is at step %d", expectedStep, workflow.CurrentStep))
	}
	template, err := s.store.GetTemplate(ctx, session.OrganizationID, workflow.TemplateID)
	if err != nil {
		return store.Workflow{}, store.Document{}, store.WorkflowTemplate{}, err
	}
	return workflow, doc, template, nil
}

// ---------------------------------------------------------------------------
// Comments

func (s *Service) AddComment(ctx context.Context, session Session, documentID string, input AddCommentInput) (store.Comment, error) {
	if strings.TrimSpace(input.Body) == "" {
		return store.Comment{}, validationError("body is required", nil)
	}
	if _, err := s.store.GetDocument(ctx, session.OrganizationID, documentID); err != nil {
		return store.Comment{}, err
	}

	comment := store.Comment{
		ID:         util.NewID("cmt"),
		DocumentID: documentID,
		Author:     session.UserName,
		Body:       input.Body,
		VersionID:  input.VersionID,
	}
	if input.ParentID != "" {
		comment.ParentID = &input.ParentID
	}
	if err := s.store.InsertComment(ctx, comment); err != nil {
		return store.Comment{}, err
	}
	return comment, nil
}

func (s *Service) ListComments(ctx context.Context, session Session, documentID string) ([]store.Comment, error) {
	if _, err := s.store.GetDocument(ctx, session.OrganizationID, documentID); err != nil {
		return nil, err
	}
	return s.store.ListComments(ctx, documentID)
}

func (s *Service) ResolveComment(ctx context.Context, session Session, commentID string, resolved bool) error {
	changed, err := s.store.SetCommentResolved(ctx, commentID, resolved, session.UserName)
	if err != nil {
		return err
	}
	if !changed {
		return invalidState("comment is already in the requested state")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Attachments

func (s *Service) UploadAttachment(ctx context.Context, session Session, documentID string, upload AttachmentUpload) (store.Attachment, error) {
	if s.blobs == nil {
		return store.Attachment{}, unavailable("attachment storage is not configured")
	}
	if upload.FileName == "" {
		return store.Attachment{}, validationError("file name is required", nil)
	}
	if _, err := s.store.GetDocument(ctx, session.OrganizationID, documentID); err != nil {
		return store.Attachment{}, err
	}

	attachment := store.Attachment{
		ID:          util.NewID("att"),
		DocumentID:  documentID,
		FileName:    upload.FileName,
		ContentType: upload.ContentType,
		SizeBytes:   upload.Size,
		UploadedBy:  session.UserName,
	}
	attachment.ObjectKey = blob.ObjectKey(documentID, attachment.ID, upload.FileName)

	if err := s.blobs.Put(ctx, attachment.ObjectKey, upload.Body, upload.Size, upload.ContentType); err != nil {
		return store.Attachment{}, err
	}
	if err := s.store.InsertAttachment(ctx, attachment); err != nil {
		return store.Attachment{}, err
	}
	s.audit(ctx, session, documentID, "attachment_uploaded", upload.FileName)
	return attachment, nil
}

func (s *Service) ListAttachments(ctx context.Context, session Session, documentID string) ([]store.Attachment, error) {
	if _, err := s.store.GetDocument(ctx, session.OrganizationID, documentID); err != nil {
		return nil, err
	}
	return s.store.ListAttachments(ctx, documentID)
}

func (s *Service) OpenAttachment(ctx context.Context, session Session, attachmentID string) (store.Attachment, AttachmentBody, error) {
	if s.blobs == nil {
		return store.Attachment{}, nil, unavailable("attachment storage is not configured")
	}
	attachment, err := s.store.GetAttachment(ctx, attachmentID)
	if err != nil {
		return store.Attachment{}, nil, err
	}
	if _, err := s.store.GetDocument(ctx, session.OrganizationID, attachment.DocumentID); err != nil {
		return store.Attachment{}, nil, err
	}
	body, err := s.blobs.Get(ctx, attachment.ObjectKey)
	if err != nil {
		return store.Attachment{}, nil, err
	}
	return attachment, body, nil
}

func (s *Service) DeleteAttachment(ctx context.Context, session Session, attachmentID string) error {
	if s.blobs == nil {
		return unavailable("attachment storage is not configured")
	}
	attachment, err := s.store.GetAttachment(ctx, attachmentID)
	if err != nil {
		return err
	}
	if _, err := s.store.GetDocument(ctx, session.OrganizationID, attachment.DocumentID); err != nil {
		return err
	}
	if err := s.blobs.Delete(ctx, attachment.ObjectKey); err != nil {
		return err
	}
	if err := s.store.DeleteAttachment(ctx, attachmentID); err != nil {
		return err
	}
	s.audit(ctx, session, attachment.DocumentID, "attachment_deleted", attachment.FileName)
	return nil
}

// ---------------------------------------------------------------------------
// Bulk QC

// BulkApprove accepts the batch and returns before any document is checked.
// The run is scoped to the caller's organization.
func (s *Service) BulkApprove(ctx context.Context, session Session, input BulkApproveInput) error {
	err := s.qcRunner.Enqueue(ctx, session.OrganizationID, input.DocumentIDs)
	if errors.Is(err, qc.ErrEmptyBatch) || errors.Is(err, qc.ErrEmptyDocumentID) {
		return validationError(err.Error(), nil)
	}
	return err
}

// qcCheck is the default QC gate: the document must exist in the caller's
// organization, carry at least one version, and not already be terminal.
func (s *Service) qcCheck(ctx context.Context, orgID, documentID string) error {
	doc, err := s.store.GetDocument(ctx, orgID, documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("document %s not found", documentID)
	}
	if err != nil {
		return err
	}
	if doc.LatestVersion == 0 {
		return fmt.Errorf("document %s has no content versions", documentID)
	}
	if doc.Status == store.DocStatusArchived {
		return fmt.Errorf("document %s is archived", documentID)
	}

	if err := s.store.UpdateDocumentStatus(ctx, orgID, doc.ID, store.DocStatusApproved); err != nil {
		return err
	}
	return s.store.AppendAudit(ctx, store.AuditEntry{
		DocumentID:     doc.ID,
		OrganizationID: orgID,
		Action:         "bulk_qc_approved",
		Actor:          "system",
	})
}

// SubscribeQCEvents returns a live event channel for SSE, or nil when no
// in-process broker is wired.
func (s *Service) SubscribeQCEvents() (<-chan qc.Event, func()) {
	if s.events == nil || s.events.subscribe == nil {
		return nil, func() {}
	}
	return s.events.subscribe()
}

// ---------------------------------------------------------------------------
// Search & reference model passthroughs

func (s *Service) Search(session Session, q search.Query) search.Response {
	q.OrganizationID = session.OrganizationID
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

func (s *Service) SubtypeRetention(ctx context.Context, session Session, subtypeID string) (store.Subtype, refmodel.RetentionDates, error) {
	subtype, err := s.refmodel.GetSubtype(ctx, subtypeID)
	if err != nil {
		return store.Subtype{}, refmodel.RetentionDates{}, err
	}
	dates, err := s.refmodel.CalculateRetentionDates(ctx, session.OrganizationID, subtypeID)
	if err != nil {
		return store.Subtype{}, refmodel.RetentionDates{}, err
	}
	return subtype, dates, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Bootstrap reindexes search from Postgres. Reference data (types,
// lifecycles, subtypes) ships in the migrations.
func (s *Service) Bootstrap(ctx context.Context) error {
	if s.search != nil {
		s.search.ReindexAllFromPG(ctx)
	}
	return nil
}

// ---------------------------------------------------------------------------

type AttachmentUpload struct {
	FileName    string
	ContentType string
	Size        int64
	Body        io.Reader
}

type AttachmentBody = io.ReadCloser

func (s *Service) audit(ctx context.Context, session Session, documentID, action, details string) {
	if err := s.store.AppendAudit(ctx, store.AuditEntry{
		DocumentID:     documentID,
		OrganizationID: session.OrganizationID,
		Action:         action,
		Actor:          session.UserName,
		Details:        details,
	}); err != nil {
		log.Printf("audit append failed document=%s action=%s err=%v", documentID, action, err)
	}
}

func (s *Service) history(ctx context.Context, entry store.HistoryEntry, orgID string) {
	if err := s.store.AppendHistory(ctx, entry); err != nil {
		log.Printf("history append failed workflow=%s action=%s err=%v", entry.WorkflowID, entry.Action, err)
		return
	}
	if s.search != nil {
		s.search.IndexHistory(search.HistoryRecord{
			ID:             util.NewID("hist"),
			Action:         entry.Action,
			Note:           entry.Note,
			Actor:          entry.Actor,
			DocumentID:     entry.DocumentID,
			OrganizationID: orgID,
		})
	}
}

// notifyPendingStep emails user-type approvers. Best effort, off the request
// path.
func (s *Service) notifyPendingStep(ctx context.Context, doc store.Document, workflow store.Workflow, step store.WorkflowStep) {
	if s.email == nil || !s.email.IsConfigured() || step.ApproverType != "user" {
		return
	}
	approverIDs := append([]string(nil), step.ApproverIDs...)
	go func() {
		lookupCtx := context.WithoutCancel(ctx)
		for _, approverID := range approverIDs {
			user, err := s.store.GetUserByID(lookupCtx, approverID)
			if err != nil {
				log.Printf("notify lookup failed approver=%s err=%v", approverID, err)
				continue
			}
			if err := s.email.SendStepPendingEmail(user.Email, user.DisplayName, doc.Title, step.Name, step.StepOrder, workflow.TotalSteps); err != nil {
				log.Printf("notify send failed approver=%s err=%v", approverID, err)
			}
		}
	}()
}

func stepByOrder(template store.WorkflowTemplate, order int) (store.WorkflowStep, bool) {
	for _, step := range template.Steps {
		if step.StepOrder == order {
			return step, true
		}
	}
	return store.WorkflowStep{}, false
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
