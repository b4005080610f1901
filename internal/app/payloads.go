package app

import (
	"time"

	"trialsage/api/internal/store"
)

// Payload builders keep wire field names stable regardless of how the store
// models evolve.

func sessionPayload(session Session) map[string]any {
	return map[string]any{
		"token":          session.Token,
		"refreshToken":   session.RefreshToken,
		"userId":         session.UserID,
		"userName":       session.UserName,
		"role":           session.Role,
		"organizationId": session.OrganizationID,
		"expiresAt":      session.ExpiresAt.Format(time.RFC3339),
	}
}

func documentPayload(doc store.Document) map[string]any {
	return map[string]any{
		"id":             doc.ID,
		"organizationId": doc.OrganizationID,
		"title":          doc.Title,
		"documentType":   doc.DocumentType,
		"subtypeId":      doc.SubtypeID,
		"folderId":       doc.FolderID,
		"status":         doc.Status,
		"createdBy":      doc.CreatedBy,
		"latestVersion":  doc.LatestVersion,
		"metadata":       doc.Metadata,
		"reviewAt":       doc.ReviewAt,
		"archiveAt":      doc.ArchiveAt,
		"deleteAt":       doc.DeleteAt,
		"createdAt":      doc.CreatedAt,
		"updatedAt":      doc.UpdatedAt,
	}
}

func documentPayloads(docs []store.Document) []map[string]any {
	payloads := make([]map[string]any, 0, len(docs))
	for _, doc := range docs {
		payloads = append(payloads, documentPayload(doc))
	}
	return payloads
}

func versionPayload(version store.Version) map[string]any {
	return map[string]any{
		"id":         version.ID,
		"documentId": version.DocumentID,
		"version":    version.Version,
		"content":    version.Content,
		"createdBy":  version.CreatedBy,
		"comments":   version.Comments,
		"createdAt":  version.CreatedAt,
	}
}

func versionPayloads(versions []store.Version) []map[string]any {
	payloads := make([]map[string]any, 0, len(versions))
	for _, version := range versions {
		payloads = append(payloads, versionPayload(version))
	}
	return payloads
}

func bindingPayload(binding store.ModuleBinding) map[string]any {
	return map[string]any{
		"id":             binding.ID,
		"documentId":     binding.DocumentID,
		"moduleType":     binding.ModuleType,
		"originalId":     binding.OriginalID,
		"organizationId": binding.OrganizationID,
		"createdAt":      binding.CreatedAt,
	}
}

func templatePayload(template store.WorkflowTemplate) map[string]any {
	steps := make([]map[string]any, 0, len(template.Steps))
	for _, step := range template.Steps {
		steps = append(steps, map[string]any{
			"id":              step.ID,
			"stepOrder":       step.StepOrder,
			"name":            step.Name,
			"approverType":    step.ApproverType,
			"approverIds":     step.ApproverIDs,
			"requiredActions": step.RequiredActions,
		})
	}
	return map[string]any{
		"id":              template.ID,
		"organizationId":  template.OrganizationID,
		"name":            template.Name,
		"moduleType":      template.ModuleType,
		"documentTypes":   template.DocumentTypes,
		"defaultForTypes": template.DefaultForTypes,
		"isActive":        template.IsActive,
		"steps":           steps,
		"createdAt":       template.CreatedAt,
	}
}

func workflowPayload(workflow store.Workflow) map[string]any {
	return map[string]any{
		"id":          workflow.ID,
		"documentId":  workflow.DocumentID,
		"templateId":  workflow.TemplateID,
		"status":      workflow.Status,
		"currentStep": workflow.CurrentStep,
		"totalSteps":  workflow.TotalSteps,
		"startedBy":   workflow.StartedBy,
		"startedAt":   workflow.StartedAt,
		"completedBy": workflow.CompletedBy,
		"completedAt": workflow.CompletedAt,
	}
}

func approvalPayloads(approvals []store.Approval) []map[string]any {
	payloads := make([]map[string]any, 0, len(approvals))
	for _, approval := range approvals {
		payloads = append(payloads, map[string]any{
			"id":          approval.ID,
			"workflowId":  approval.WorkflowID,
			"stepOrder":   approval.StepOrder,
			"status":      approval.Status,
			"assignedTo":  approval.AssignedTo,
			"completedBy": approval.CompletedBy,
			"completedAt": approval.CompletedAt,
			"comment":     approval.Comment,
			"createdAt":   approval.CreatedAt,
		})
	}
	return payloads
}

func historyPayloads(entries []store.HistoryEntry) []map[string]any {
	payloads := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		payloads = append(payloads, map[string]any{
			"id":         entry.ID,
			"workflowId": entry.WorkflowID,
			"documentId": entry.DocumentID,
			"action":     entry.Action,
			"stepOrder":  entry.StepOrder,
			"actor":      entry.Actor,
			"note":       entry.Note,
			"createdAt":  entry.CreatedAt,
		})
	}
	return payloads
}

func auditPayloads(entries []store.AuditEntry) []map[string]any {
	payloads := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		payloads = append(payloads, map[string]any{
			"id":         entry.ID,
			"documentId": entry.DocumentID,
			"action":     entry.Action,
			"actor":      entry.Actor,
			"details":    entry.Details,
			"createdAt":  entry.CreatedAt,
		})
	}
	return payloads
}

func commentPayload(comment store.Comment) map[string]any {
	return map[string]any{
		"id":         comment.ID,
		"documentId": comment.DocumentID,
		"parentId":   comment.ParentID,
		"versionId":  comment.VersionID,
		"author":     comment.Author,
		"body":       comment.Body,
		"isResolved": comment.IsResolved,
		"resolvedBy": comment.ResolvedBy,
		"resolvedAt": comment.ResolvedAt,
		"createdAt":  comment.CreatedAt,
	}
}

func commentPayloads(comments []store.Comment) []map[string]any {
	payloads := make([]map[string]any, 0, len(comments))
	for _, comment := range comments {
		payloads = append(payloads, commentPayload(comment))
	}
	return payloads
}

func attachmentPayload(attachment store.Attachment) map[string]any {
	return map[string]any{
		"id":          attachment.ID,
		"documentId":  attachment.DocumentID,
		"fileName":    attachment.FileName,
		"contentType": attachment.ContentType,
		"sizeBytes":   attachment.SizeBytes,
		"uploadedBy":  attachment.UploadedBy,
		"createdAt":   attachment.CreatedAt,
	}
}

func attachmentPayloads(attachments []store.Attachment) []map[string]any {
	payloads := make([]map[string]any, 0, len(attachments))
	for _, attachment := range attachments {
		payloads = append(payloads, attachmentPayload(attachment))
	}
	return payloads
}
