// Package refmodel enforces the document reference model: which subtypes may
// be filed into which folders, and which retention milestones a filed
// document carries.
package refmodel

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"trialsage/api/internal/store"
)

// maxAncestorHops bounds the folder ancestor walk so a cyclic or absurdly
// deep hierarchy cannot loop the request.
const maxAncestorHops = 10

var ErrNotFound = errors.New("refmodel: not found")

// TypeMismatchError reports a subtype filed into a folder constrained to a
// different document type.
type TypeMismatchError struct {
	FolderID    string
	FolderType  string
	SubtypeType string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("folder %s accepts document type %s, subtype belongs to %s", e.FolderID, e.FolderType, e.SubtypeType)
}

type lookupStore interface {
	GetSubtype(ctx context.Context, subtypeID string) (store.Subtype, error)
	GetFolder(ctx context.Context, folderID string) (store.Folder, error)
	GetRetentionRule(ctx context.Context, orgID, subtypeID string) (*store.RetentionRule, error)
}

type Service struct {
	store lookupStore
	now   func() time.Time
}

func NewService(lookup lookupStore) *Service {
	return &Service{store: lookup, now: time.Now}
}

// WithClock replaces the retention clock. Test hook.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) GetSubtype(ctx context.Context, subtypeID string) (store.Subtype, error) {
	subtype, err := s.store.GetSubtype(ctx, subtypeID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Subtype{}, fmt.Errorf("subtype %s: %w", subtypeID, ErrNotFound)
	}
	if err != nil {
		return store.Subtype{}, fmt.Errorf("get subtype: %w", err)
	}
	return subtype, nil
}

func (s *Service) GetFolder(ctx context.Context, folderID string) (store.Folder, error) {
	folder, err := s.store.GetFolder(ctx, folderID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Folder{}, fmt.Errorf("folder %s: %w", folderID, ErrNotFound)
	}
	if err != nil {
		return store.Folder{}, fmt.Errorf("get folder: %w", err)
	}
	return folder, nil
}

// EnforceFolder checks that the subtype may be filed into the folder. The
// governing type is the folder's own document type, or the nearest typed
// ancestor's; a hierarchy with no typed ancestor within maxAncestorHops
// accepts anything.
func (s *Service) EnforceFolder(ctx context.Context, folderID, subtypeID string) error {
	subtype, err := s.GetSubtype(ctx, subtypeID)
	if err != nil {
		return err
	}

	folder, err := s.GetFolder(ctx, folderID)
	if err != nil {
		return err
	}

	// Examine the folder itself plus ancestors up to maxAncestorHops parent
	// hops away, so a typed ancestor at exactly the cap still governs.
	current := folder
	for hop := 0; hop <= maxAncestorHops; hop++ {
		if current.DocumentTypeID != nil {
			if *current.DocumentTypeID != subtype.TypeID {
				return &TypeMismatchError{
					FolderID:    folderID,
					FolderType:  *current.DocumentTypeID,
					SubtypeType: subtype.TypeID,
				}
			}
			return nil
		}
		if current.ParentID == nil || hop == maxAncestorHops {
			// No typed ancestor in range: treat as unconstrained.
			return nil
		}
		current, err = s.GetFolder(ctx, *current.ParentID)
		if err != nil {
			return err
		}
	}
	return nil
}

// RetentionDates are the milestone timestamps stamped on a document when it
// is filed. A nil field means the milestone does not apply.
type RetentionDates struct {
	ReviewAt  *time.Time
	ArchiveAt *time.Time
	DeleteAt  *time.Time
}

// CalculateRetentionDates resolves month offsets into absolute dates from
// now. A per-tenant retention rule overrides the subtype's own offsets
// field-by-field only when the rule exists; the rule's nil fields fall back
// to the subtype.
func (s *Service) CalculateRetentionDates(ctx context.Context, orgID, subtypeID string) (RetentionDates, error) {
	subtype, err := s.GetSubtype(ctx, subtypeID)
	if err != nil {
		return RetentionDates{}, err
	}

	review := subtype.ReviewMonths
	archive := subtype.ArchiveMonths
	remove := subtype.DeleteMonths

	rule, err := s.store.GetRetentionRule(ctx, orgID, subtypeID)
	if err != nil {
		return RetentionDates{}, fmt.Errorf("get retention rule: %w", err)
	}
	if rule != nil {
		if rule.ReviewMonths != nil {
			review = rule.ReviewMonths
		}
		if rule.ArchiveMonths != nil {
			archive = rule.ArchiveMonths
		}
		if rule.DeleteMonths != nil {
			remove = rule.DeleteMonths
		}
	}

	base := s.now()
	return RetentionDates{
		ReviewAt:  addMonths(base, review),
		ArchiveAt: addMonths(base, archive),
		DeleteAt:  addMonths(base, remove),
	}, nil
}

// ValidateDocumentMetadata resolves the document's starting state from the
// subtype's lifecycle and enforces the folder constraint when a folder is
// given. Returns the status the document should start in.
func (s *Service) ValidateDocumentMetadata(ctx context.Context, subtypeID string, folderID *string) (string, error) {
	subtype, err := s.GetSubtype(ctx, subtypeID)
	if err != nil {
		return "", err
	}
	if folderID != nil {
		if err := s.EnforceFolder(ctx, *folderID, subtypeID); err != nil {
			return "", err
		}
	}
	status := subtype.StartState
	if status == "" {
		status = store.DocStatusDraft
	}
	return status, nil
}

func addMonths(base time.Time, months *int) *time.Time {
	if months == nil {
		return nil
	}
	when := base.AddDate(0, *months, 0)
	return &when
}
