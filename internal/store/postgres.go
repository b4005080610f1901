package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---------------------------------------------------------------------------
// Users & sessions

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, role, organization_id)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.Role, user.OrganizationID)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, role, organization_id
		FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.OrganizationID)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, role, organization_id
		FROM users WHERE email=$1
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.OrganizationID)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash string, user User, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, user.ID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.display_name, u.email, u.role, u.organization_id
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`, tokenHash).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role, &user.OrganizationID)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Documents & versions

func (s *PostgresStore) InsertDocument(ctx context.Context, item Document) error {
	metadata, err := encodeMetadata(item.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO unified_documents
			(id, organization_id, title, document_type, subtype_id, folder_id, status, created_by_name, latest_version, metadata, review_at, archive_at, delete_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9::jsonb, $10, $11, $12)
	`, item.ID, item.OrganizationID, item.Title, item.DocumentType, item.SubtypeID, item.FolderID,
		item.Status, item.CreatedBy, metadata, item.ReviewAt, item.ArchiveAt, item.DeleteAt)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, orgID, documentID string) (Document, error) {
	var item Document
	var metadataRaw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, title, document_type, subtype_id, folder_id, status,
			created_by_name, latest_version, metadata, review_at, archive_at, delete_at, created_at, updated_at
		FROM unified_documents
		WHERE id=$1 AND organization_id=$2
	`, documentID, orgID).Scan(
		&item.ID, &item.OrganizationID, &item.Title, &item.DocumentType, &item.SubtypeID, &item.FolderID,
		&item.Status, &item.CreatedBy, &item.LatestVersion, &metadataRaw,
		&item.ReviewAt, &item.ArchiveAt, &item.DeleteAt, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return Document{}, err
	}
	if len(metadataRaw) > 0 {
		_ = json.Unmarshal(metadataRaw, &item.Metadata)
	}
	return item, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context, orgID string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, title, document_type, subtype_id, folder_id, status,
			created_by_name, latest_version, metadata, review_at, archive_at, delete_at, created_at, updated_at
		FROM unified_documents
		WHERE organization_id=$1
		ORDER BY updated_at DESC
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		var item Document
		var metadataRaw []byte
		if err := rows.Scan(
			&item.ID, &item.OrganizationID, &item.Title, &item.DocumentType, &item.SubtypeID, &item.FolderID,
			&item.Status, &item.CreatedBy, &item.LatestVersion, &metadataRaw,
			&item.ReviewAt, &item.ArchiveAt, &item.DeleteAt, &item.CreatedAt, &item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		if len(metadataRaw) > 0 {
			_ = json.Unmarshal(metadataRaw, &item.Metadata)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateDocumentStatus(ctx context.Context, orgID, documentID, status string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE unified_documents SET status=$3, updated_at=NOW()
		WHERE id=$1 AND organization_id=$2
	`, documentID, orgID, status)
	if err != nil {
		return fmt.Errorf("update document status: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SetDocumentFolder files a document into a folder and stamps its retention
// milestones in one statement.
func (s *PostgresStore) SetDocumentFolder(ctx context.Context, orgID, documentID, folderID string, reviewAt, archiveAt, deleteAt *time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE unified_documents
		SET folder_id=$3, review_at=$4, archive_at=$5, delete_at=$6, updated_at=NOW()
		WHERE id=$1 AND organization_id=$2
	`, documentID, orgID, folderID, reviewAt, archiveAt, deleteAt)
	if err != nil {
		return fmt.Errorf("set document folder: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, orgID, documentID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM unified_documents WHERE id=$1 AND organization_id=$2
	`, documentID, orgID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// InsertVersion appends an immutable snapshot and bumps latest_version in the
// same transaction, so latest_version always equals the row count.
func (s *PostgresStore) InsertVersion(ctx context.Context, orgID string, version Version) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin version tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var next int
	err = tx.QueryRowContext(ctx, `
		UPDATE unified_documents
		SET latest_version = latest_version + 1, updated_at=NOW()
		WHERE id=$1 AND organization_id=$2
		RETURNING latest_version
	`, version.DocumentID, orgID).Scan(&next)
	if err != nil {
		return 0, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO document_versions (document_id, version, content, created_by_name, comments)
		VALUES ($1, $2, $3, $4, $5)
	`, version.DocumentID, next, version.Content, version.CreatedBy, version.Comments)
	if err != nil {
		return 0, fmt.Errorf("insert version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit version tx: %w", err)
	}
	return next, nil
}

func (s *PostgresStore) ListVersions(ctx context.Context, documentID string) ([]Version, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, version, content, created_by_name, comments, created_at
		FROM document_versions
		WHERE document_id=$1
		ORDER BY version DESC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	items := make([]Version, 0)
	for rows.Next() {
		var item Version
		if err := rows.Scan(&item.ID, &item.DocumentID, &item.Version, &item.Content, &item.CreatedBy, &item.Comments, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return items, nil
}

// ---------------------------------------------------------------------------
// Module bindings

func (s *PostgresStore) BindModuleDocument(ctx context.Context, binding ModuleBinding) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO module_documents (id, document_id, module_type, original_id, organization_id)
		VALUES ($1, $2, $3, $4, $5)
	`, binding.ID, binding.DocumentID, binding.ModuleType, binding.OriginalID, binding.OrganizationID)
	if err != nil {
		return fmt.Errorf("bind module document: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetModuleBinding(ctx context.Context, orgID, moduleType, originalID string) (ModuleBinding, error) {
	var item ModuleBinding
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, module_type, original_id, organization_id, created_at
		FROM module_documents
		WHERE organization_id=$1 AND module_type=$2 AND original_id=$3
	`, orgID, moduleType, originalID).Scan(
		&item.ID, &item.DocumentID, &item.ModuleType, &item.OriginalID, &item.OrganizationID, &item.CreatedAt,
	)
	if err != nil {
		return ModuleBinding{}, err
	}
	return item, nil
}

// ---------------------------------------------------------------------------
// Workflow templates

func (s *PostgresStore) InsertTemplate(ctx context.Context, template WorkflowTemplate) error {
	documentTypes, err := encodeStrings(template.DocumentTypes)
	if err != nil {
		return err
	}
	defaultForTypes, err := encodeStrings(template.DefaultForTypes)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin template tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_templates (id, organization_id, name, module_type, document_types, default_for_types, is_active)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7)
	`, template.ID, template.OrganizationID, template.Name, template.ModuleType, documentTypes, defaultForTypes, template.IsActive)
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}

	for _, step := range template.Steps {
		approverIDs, err := encodeStrings(step.ApproverIDs)
		if err != nil {
			return err
		}
		requiredActions, err := encodeStrings(step.RequiredActions)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO workflow_steps (id, template_id, step_order, name, approver_type, approver_ids, required_actions)
			VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb)
		`, step.ID, template.ID, step.StepOrder, step.Name, step.ApproverType, approverIDs, requiredActions)
		if err != nil {
			return fmt.Errorf("insert template step %d: %w", step.StepOrder, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit template tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTemplate(ctx context.Context, orgID, templateID string) (WorkflowTemplate, error) {
	var item WorkflowTemplate
	var documentTypesRaw, defaultForTypesRaw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, name, module_type, document_types, default_for_types, is_active, created_at
		FROM workflow_templates
		WHERE id=$1 AND organization_id=$2
	`, templateID, orgID).Scan(
		&item.ID, &item.OrganizationID, &item.Name, &item.ModuleType,
		&documentTypesRaw, &defaultForTypesRaw, &item.IsActive, &item.CreatedAt,
	)
	if err != nil {
		return WorkflowTemplate{}, err
	}
	_ = json.Unmarshal(documentTypesRaw, &item.DocumentTypes)
	_ = json.Unmarshal(defaultForTypesRaw, &item.DefaultForTypes)

	steps, err := s.listSteps(ctx, item.ID)
	if err != nil {
		return WorkflowTemplate{}, err
	}
	item.Steps = steps
	return item, nil
}

// FindDefaultTemplate picks the active template whose default_for_types
// includes the document type, scoped to the module.
func (s *PostgresStore) FindDefaultTemplate(ctx context.Context, orgID, moduleType, documentType string) (WorkflowTemplate, error) {
	var templateID string
	err := s.db.QueryRowContext(ctx, `
		SELECT id
		FROM workflow_templates
		WHERE organization_id=$1 AND ($2 = '' OR module_type=$2) AND is_active
			AND default_for_types @> to_jsonb(ARRAY[$3::text])
		ORDER BY created_at DESC
		LIMIT 1
	`, orgID, moduleType, documentType).Scan(&templateID)
	if err != nil {
		return WorkflowTemplate{}, err
	}
	return s.GetTemplate(ctx, orgID, templateID)
}

func (s *PostgresStore) ListTemplates(ctx context.Context, orgID, moduleType string) ([]WorkflowTemplate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id
		FROM workflow_templates
		WHERE organization_id=$1 AND ($2 = '' OR module_type=$2)
		ORDER BY created_at DESC
	`, orgID, moduleType)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan template id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate templates: %w", err)
	}

	items := make([]WorkflowTemplate, 0, len(ids))
	for _, id := range ids {
		item, err := s.GetTemplate(ctx, orgID, id)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (s *PostgresStore) listSteps(ctx context.Context, templateID string) ([]WorkflowStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, template_id, step_order, name, approver_type, approver_ids, required_actions
		FROM workflow_steps
		WHERE template_id=$1
		ORDER BY step_order ASC
	`, templateID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	items := make([]WorkflowStep, 0)
	for rows.Next() {
		var item WorkflowStep
		var approverIDsRaw, requiredActionsRaw []byte
		if err := rows.Scan(&item.ID, &item.TemplateID, &item.StepOrder, &item.Name, &item.ApproverType, &approverIDsRaw, &requiredActionsRaw); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		_ = json.Unmarshal(approverIDsRaw, &item.ApproverIDs)
		_ = json.Unmarshal(requiredActionsRaw, &item.RequiredActions)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	return items, nil
}

// ---------------------------------------------------------------------------
// Workflow instances & approvals

// InsertWorkflow creates the instance and its step-1 pending approval
// together. The partial unique index on (document_id) WHERE status='active'
// makes a concurrent second start fail here rather than race.
func (s *PostgresStore) InsertWorkflow(ctx context.Context, workflow Workflow, firstApproval Approval) error {
	assignedTo, err := encodeStrings(firstApproval.AssignedTo)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin workflow tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO document_workflows (id, document_id, template_id, status, current_step, total_steps, started_by_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, workflow.ID, workflow.DocumentID, workflow.TemplateID, workflow.Status, workflow.CurrentStep, workflow.TotalSteps, workflow.StartedBy)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_approvals (id, workflow_id, step_order, status, assigned_to)
		VALUES ($1, $2, $3, $4, $5::jsonb)
	`, firstApproval.ID, workflow.ID, firstApproval.StepOrder, firstApproval.Status, assignedTo)
	if err != nil {
		return fmt.Errorf("insert first approval: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit workflow tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, workflowID string) (Workflow, error) {
	var item Workflow
	var completedBy sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, template_id, status, current_step, total_steps,
			started_by_name, started_at, completed_by_name, completed_at
		FROM document_workflows
		WHERE id=$1
	`, workflowID).Scan(
		&item.ID, &item.DocumentID, &item.TemplateID, &item.Status, &item.CurrentStep, &item.TotalSteps,
		&item.StartedBy, &item.StartedAt, &completedBy, &item.CompletedAt,
	)
	if err != nil {
		return Workflow{}, err
	}
	item.CompletedBy = completedBy.String
	return item, nil
}

func (s *PostgresStore) GetActiveWorkflow(ctx context.Context, documentID string) (*Workflow, error) {
	var item Workflow
	var completedBy sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, template_id, status, current_step, total_steps,
			started_by_name, started_at, completed_by_name, completed_at
		FROM document_workflows
		WHERE document_id=$1 AND status='active'
	`, documentID).Scan(
		&item.ID, &item.DocumentID, &item.TemplateID, &item.Status, &item.CurrentStep, &item.TotalSteps,
		&item.StartedBy, &item.StartedAt, &completedBy, &item.CompletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active workflow: %w", err)
	}
	item.CompletedBy = completedBy.String
	return &item, nil
}

// ResolvePendingApproval settles the pending approval for exactly the given
// step. Returns false when no such pending row exists, which is how a stale
// or concurrent resolution loses the race.
func (s *PostgresStore) ResolvePendingApproval(ctx context.Context, workflowID string, stepOrder int, status, completedBy, comment string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE workflow_approvals
		SET status=$3, completed_by_name=$4, completed_at=NOW(), comment=$5
		WHERE workflow_id=$1 AND step_order=$2 AND status='pending'
	`, workflowID, stepOrder, status, completedBy, comment)
	if err != nil {
		return false, fmt.Errorf("resolve approval: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("resolve approval rows: %w", err)
	}
	return affected > 0, nil
}

// AdvanceWorkflow moves an active workflow to the next step and opens its
// pending approval.
func (s *PostgresStore) AdvanceWorkflow(ctx context.Context, workflowID string, nextStep int, approval Approval) error {
	assignedTo, err := encodeStrings(approval.AssignedTo)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin advance tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE document_workflows SET current_step=$2
		WHERE id=$1 AND status='active'
	`, workflowID, nextStep)
	if err != nil {
		return fmt.Errorf("advance workflow: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_approvals (id, workflow_id, step_order, status, assigned_to)
		VALUES ($1, $2, $3, 'pending', $4::jsonb)
	`, approval.ID, workflowID, approval.StepOrder, assignedTo)
	if err != nil {
		return fmt.Errorf("insert next approval: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit advance tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) CompleteWorkflow(ctx context.Context, workflowID, status, completedBy string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE document_workflows
		SET status=$2, completed_by_name=$3, completed_at=NOW()
		WHERE id=$1 AND status='active'
	`, workflowID, status, completedBy)
	if err != nil {
		return fmt.Errorf("complete workflow: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) ListApprovals(ctx context.Context, workflowID string) ([]Approval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, step_order, status, assigned_to, completed_by_name, completed_at, comment, created_at
		FROM workflow_approvals
		WHERE workflow_id=$1
		ORDER BY step_order ASC
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	items := make([]Approval, 0)
	for rows.Next() {
		var item Approval
		var assignedToRaw []byte
		var completedBy sql.NullString
		if err := rows.Scan(&item.ID, &item.WorkflowID, &item.StepOrder, &item.Status, &assignedToRaw, &completedBy, &item.CompletedAt, &item.Comment, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		_ = json.Unmarshal(assignedToRaw, &item.AssignedTo)
		item.CompletedBy = completedBy.String
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approvals: %w", err)
	}
	return items, nil
}

// ---------------------------------------------------------------------------
// History & audit (append-only)

func (s *PostgresStore) AppendHistory(ctx context.Context, entry HistoryEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_history (workflow_id, document_id, action, step_order, actor_name, note)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.WorkflowID, entry.DocumentID, entry.Action, entry.StepOrder, entry.Actor, entry.Note)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListHistory(ctx context.Context, workflowID string) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, document_id, action, step_order, actor_name, note, created_at
		FROM workflow_history
		WHERE workflow_id=$1
		ORDER BY id ASC
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	items := make([]HistoryEntry, 0)
	for rows.Next() {
		var item HistoryEntry
		if err := rows.Scan(&item.ID, &item.WorkflowID, &item.DocumentID, &item.Action, &item.StepOrder, &item.Actor, &item.Note, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) AppendAudit(ctx context.Context, entry AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_audit_log (document_id, organization_id, action, actor_name, details)
		VALUES ($1, $2, $3, $4, $5)
	`, entry.DocumentID, entry.OrganizationID, entry.Action, entry.Actor, entry.Details)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAudit(ctx context.Context, orgID, documentID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, organization_id, action, actor_name, details, created_at
		FROM document_audit_log
		WHERE document_id=$1 AND organization_id=$2
		ORDER BY id DESC
		LIMIT $3
	`, documentID, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	items := make([]AuditEntry, 0)
	for rows.Next() {
		var item AuditEntry
		if err := rows.Scan(&item.ID, &item.DocumentID, &item.OrganizationID, &item.Action, &item.Actor, &item.Details, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit: %w", err)
	}
	return items, nil
}

// ---------------------------------------------------------------------------
// Comments & attachments

func (s *PostgresStore) InsertComment(ctx context.Context, comment Comment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_comments (id, document_id, parent_id, version_id, author_name, body)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, comment.ID, comment.DocumentID, comment.ParentID, comment.VersionID, comment.Author, comment.Body)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListComments(ctx context.Context, documentID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, parent_id, version_id, author_name, body, is_resolved, resolved_by_name, resolved_at, created_at
		FROM document_comments
		WHERE document_id=$1
		ORDER BY created_at ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		var item Comment
		var resolvedBy sql.NullString
		if err := rows.Scan(&item.ID, &item.DocumentID, &item.ParentID, &item.VersionID, &item.Author, &item.Body, &item.IsResolved, &resolvedBy, &item.ResolvedAt, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		item.ResolvedBy = resolvedBy.String
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) SetCommentResolved(ctx context.Context, commentID string, resolved bool, resolvedBy string) (bool, error) {
	var result sql.Result
	var err error
	if resolved {
		result, err = s.db.ExecContext(ctx, `
			UPDATE document_comments
			SET is_resolved=TRUE, resolved_by_name=$2, resolved_at=NOW()
			WHERE id=$1 AND NOT is_resolved
		`, commentID, resolvedBy)
	} else {
		result, err = s.db.ExecContext(ctx, `
			UPDATE document_comments
			SET is_resolved=FALSE, resolved_by_name=NULL, resolved_at=NULL
			WHERE id=$1 AND is_resolved
		`, commentID)
	}
	if err != nil {
		return false, fmt.Errorf("set comment resolved: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set comment resolved rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) InsertAttachment(ctx context.Context, attachment Attachment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_attachments (id, document_id, file_name, content_type, size_bytes, object_key, uploaded_by_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, attachment.ID, attachment.DocumentID, attachment.FileName, attachment.ContentType, attachment.SizeBytes, attachment.ObjectKey, attachment.UploadedBy)
	if err != nil {
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAttachment(ctx context.Context, attachmentID string) (Attachment, error) {
	var item Attachment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, file_name, content_type, size_bytes, object_key, uploaded_by_name, created_at
		FROM document_attachments
		WHERE id=$1
	`, attachmentID).Scan(&item.ID, &item.DocumentID, &item.FileName, &item.ContentType, &item.SizeBytes, &item.ObjectKey, &item.UploadedBy, &item.CreatedAt)
	if err != nil {
		return Attachment{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListAttachments(ctx context.Context, documentID string) ([]Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, file_name, content_type, size_bytes, object_key, uploaded_by_name, created_at
		FROM document_attachments
		WHERE document_id=$1
		ORDER BY created_at DESC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	items := make([]Attachment, 0)
	for rows.Next() {
		var item Attachment
		if err := rows.Scan(&item.ID, &item.DocumentID, &item.FileName, &item.ContentType, &item.SizeBytes, &item.ObjectKey, &item.UploadedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) DeleteAttachment(ctx context.Context, attachmentID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM document_attachments WHERE id=$1`, attachmentID)
	if err != nil {
		return fmt.Errorf("delete attachment: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ---------------------------------------------------------------------------
// Reference model lookups

func (s *PostgresStore) GetSubtype(ctx context.Context, subtypeID string) (Subtype, error) {
	var item Subtype
	err := s.db.QueryRowContext(ctx, `
		SELECT st.id, st.name, st.document_type_id, dt.name, st.lifecycle_id, lc.start_state,
			st.review_interval, st.archive_after, st.delete_after
		FROM document_subtypes st
		JOIN document_types dt ON dt.id = st.document_type_id
		JOIN lifecycles lc ON lc.id = st.lifecycle_id
		WHERE st.id=$1
	`, subtypeID).Scan(
		&item.ID, &item.Name, &item.TypeID, &item.TypeName, &item.LifecycleID, &item.StartState,
		&item.ReviewMonths, &item.ArchiveMonths, &item.DeleteMonths,
	)
	if err != nil {
		return Subtype{}, err
	}
	return item, nil
}

func (s *PostgresStore) GetFolder(ctx context.Context, folderID string) (Folder, error) {
	var item Folder
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, name, parent_id, document_type_id, created_at
		FROM folders
		WHERE id=$1
	`, folderID).Scan(&item.ID, &item.OrganizationID, &item.Name, &item.ParentID, &item.DocumentTypeID, &item.CreatedAt)
	if err != nil {
		return Folder{}, err
	}
	return item, nil
}

func (s *PostgresStore) GetRetentionRule(ctx context.Context, orgID, subtypeID string) (*RetentionRule, error) {
	var item RetentionRule
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, subtype_id, review_interval, archive_after, delete_after
		FROM retention_rules
		WHERE organization_id=$1 AND subtype_id=$2
	`, orgID, subtypeID).Scan(&item.ID, &item.OrganizationID, &item.SubtypeID, &item.ReviewMonths, &item.ArchiveMonths, &item.DeleteMonths)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get retention rule: %w", err)
	}
	return &item, nil
}

// ---------------------------------------------------------------------------

func encodeStrings(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("marshal string list: %w", err)
	}
	return string(encoded), nil
}

func encodeMetadata(metadata map[string]any) (string, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(encoded), nil
}
