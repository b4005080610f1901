package refmodel

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"trialsage/api/internal/store"
)

type fakeLookup struct {
	getSubtype       func(ctx context.Context, subtypeID string) (store.Subtype, error)
	getFolder        func(ctx context.Context, folderID string) (store.Folder, error)
	getRetentionRule func(ctx context.Context, orgID, subtypeID string) (*store.RetentionRule, error)
}

func (f *fakeLookup) GetSubtype(ctx context.Context, subtypeID string) (store.Subtype, error) {
	return f.getSubtype(ctx, subtypeID)
}

func (f *fakeLookup) GetFolder(ctx context.Context, folderID string) (store.Folder, error) {
	return f.getFolder(ctx, folderID)
}

func (f *fakeLookup) GetRetentionRule(ctx context.Context, orgID, subtypeID string) (*store.RetentionRule, error) {
	if f.getRetentionRule == nil {
		return nil, nil
	}
	return f.getRetentionRule(ctx, orgID, subtypeID)
}

func strPtr(s string) *string { return &s }

func intPtr(n int) *int { return &n }

func folderTree(folders map[string]store.Folder) func(ctx context.Context, folderID string) (store.Folder, error) {
	return func(_ context.Context, folderID string) (store.Folder, error) {
		folder, ok := folders[folderID]
		if !ok {
			return store.Folder{}, sql.ErrNoRows
		}
		return folder, nil
	}
}

func TestEnforceFolderTypedAncestorMatches(t *testing.T) {
	lookup := &fakeLookup{
		getSubtype: func(_ context.Context, _ string) (store.Subtype, error) {
			return store.Subtype{ID: "st_sop", TypeID: "dt_sop"}, nil
		},
		getFolder: folderTree(map[string]store.Folder{
			"f_root":  {ID: "f_root", DocumentTypeID: strPtr("dt_sop")},
			"f_child": {ID: "f_child", ParentID: strPtr("f_root")},
		}),
	}
	svc := NewService(lookup)

	if err := svc.EnforceFolder(context.Background(), "f_child", "st_sop"); err != nil {
		t.Fatalf("expected match, got %v", err)
	}
}

func TestEnforceFolderTypedAncestorMismatch(t *testing.T) {
	lookup := &fakeLookup{
		getSubtype: func(_ context.Context, _ string) (store.Subtype, error) {
			return store.Subtype{ID: "st_protocol", TypeID: "dt_protocol"}, nil
		},
		getFolder: folderTree(map[string]store.Folder{
			"f_root":  {ID: "f_root", DocumentTypeID: strPtr("dt_sop")},
			"f_child": {ID: "f_child", ParentID: strPtr("f_root")},
		}),
	}
	svc := NewService(lookup)

	err := svc.EnforceFolder(context.Background(), "f_child", "st_protocol")
	var mismatch *TypeMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected TypeMismatchError, got %v", err)
	}
	if mismatch.FolderType != "dt_sop" || mismatch.SubtypeType != "dt_protocol" {
		t.Fatalf("unexpected mismatch detail: %+v", mismatch)
	}
}

func TestEnforceFolderUntypedChainIsBounded(t *testing.T) {
	// 15 untyped folders chained; the walk must stop at the hop cap and
	// accept rather than loop.
	folders := make(map[string]store.Folder)
	for i := 0; i < 15; i++ {
		folders["f_"+itoa(i)] = store.Folder{ID: "f_" + itoa(i), ParentID: strPtr("f_" + itoa(i+1))}
	}
	folders["f_15"] = store.Folder{ID: "f_15"}

	lookups := 0
	lookup := &fakeLookup{
		getSubtype: func(_ context.Context, _ string) (store.Subtype, error) {
			return store.Subtype{ID: "st_any", TypeID: "dt_any"}, nil
		},
		getFolder: func(ctx context.Context, folderID string) (store.Folder, error) {
			lookups++
			return folderTree(folders)(ctx, folderID)
		},
	}
	svc := NewService(lookup)

	if err := svc.EnforceFolder(context.Background(), "f_0", "st_any"); err != nil {
		t.Fatalf("expected acceptance at hop cap, got %v", err)
	}
	if lookups > 11 {
		t.Fatalf("walk not bounded: %d folder lookups", lookups)
	}
}

func TestEnforceFolderTypedAncestorAtHopCap(t *testing.T) {
	// f_0..f_9 untyped, f_10 typed: the governing ancestor sits exactly
	// maxAncestorHops parent hops away and must still be examined.
	folders := make(map[string]store.Folder)
	for i := 0; i < 10; i++ {
		folders["f_"+itoa(i)] = store.Folder{ID: "f_" + itoa(i), ParentID: strPtr("f_" + itoa(i+1))}
	}
	folders["f_10"] = store.Folder{ID: "f_10", DocumentTypeID: strPtr("dt_sop")}

	lookup := &fakeLookup{
		getSubtype: func(_ context.Context, _ string) (store.Subtype, error) {
			return store.Subtype{ID: "st_protocol", TypeID: "dt_protocol"}, nil
		},
		getFolder: folderTree(folders),
	}
	svc := NewService(lookup)

	err := svc.EnforceFolder(context.Background(), "f_0", "st_protocol")
	var mismatch *TypeMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected TypeMismatchError at hop cap, got %v", err)
	}
	if mismatch.FolderType != "dt_sop" {
		t.Fatalf("unexpected mismatch detail: %+v", mismatch)
	}
}

func TestEnforceFolderTypedAncestorBeyondHopCap(t *testing.T) {
	// The typed ancestor sits one hop past the cap; the walk gives up and
	// accepts rather than fetching it.
	folders := make(map[string]store.Folder)
	for i := 0; i < 11; i++ {
		folders["f_"+itoa(i)] = store.Folder{ID: "f_" + itoa(i), ParentID: strPtr("f_" + itoa(i+1))}
	}
	folders["f_11"] = store.Folder{ID: "f_11", DocumentTypeID: strPtr("dt_sop")}

	lookup := &fakeLookup{
		getSubtype: func(_ context.Context, _ string) (store.Subtype, error) {
			return store.Subtype{ID: "st_protocol", TypeID: "dt_protocol"}, nil
		},
		getFolder: folderTree(folders),
	}
	svc := NewService(lookup)

	if err := svc.EnforceFolder(context.Background(), "f_0", "st_protocol"); err != nil {
		t.Fatalf("expected acceptance beyond hop cap, got %v", err)
	}
}

func TestEnforceFolderUnknownFolder(t *testing.T) {
	lookup := &fakeLookup{
		getSubtype: func(_ context.Context, _ string) (store.Subtype, error) {
			return store.Subtype{ID: "st_any", TypeID: "dt_any"}, nil
		},
		getFolder: func(_ context.Context, _ string) (store.Folder, error) {
			return store.Folder{}, sql.ErrNoRows
		},
	}
	svc := NewService(lookup)

	if err := svc.EnforceFolder(context.Background(), "f_missing", "st_any"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCalculateRetentionDates(t *testing.T) {
	base := time.Date(2025, 3, 15, 10, 0, 0, 0, time.UTC)
	lookup := &fakeLookup{
		getSubtype: func(_ context.Context, _ string) (store.Subtype, error) {
			return store.Subtype{
				ID:            "st_sop",
				TypeID:        "dt_sop",
				ReviewMonths:  intPtr(6),
				ArchiveMonths: intPtr(12),
			}, nil
		},
	}
	svc := NewService(lookup).WithClock(func() time.Time { return base })

	dates, err := svc.CalculateRetentionDates(context.Background(), "org_1", "st_sop")
	if err != nil {
		t.Fatalf("calculate retention: %v", err)
	}
	if dates.ReviewAt == nil || !dates.ReviewAt.Equal(base.AddDate(0, 6, 0)) {
		t.Fatalf("review date wrong: %v", dates.ReviewAt)
	}
	if dates.ArchiveAt == nil || !dates.ArchiveAt.Equal(base.AddDate(0, 12, 0)) {
		t.Fatalf("archive date wrong: %v", dates.ArchiveAt)
	}
	if dates.DeleteAt != nil {
		t.Fatalf("nil offset must give nil date, got %v", dates.DeleteAt)
	}
}

func TestCalculateRetentionDatesTenantOverrideWins(t *testing.T) {
	base := time.Date(2025, 3, 15, 10, 0, 0, 0, time.UTC)
	lookup := &fakeLookup{
		getSubtype: func(_ context.Context, _ string) (store.Subtype, error) {
			return store.Subtype{
				ID:            "st_sop",
				TypeID:        "dt_sop",
				ReviewMonths:  intPtr(6),
				ArchiveMonths: intPtr(12),
			}, nil
		},
		getRetentionRule: func(_ context.Context, orgID, subtypeID string) (*store.RetentionRule, error) {
			if orgID != "org_1" || subtypeID != "st_sop" {
				t.Fatalf("unexpected rule lookup: %s %s", orgID, subtypeID)
			}
			return &store.RetentionRule{
				OrganizationID: "org_1",
				SubtypeID:      "st_sop",
				ReviewMonths:   intPtr(3),
			}, nil
		},
	}
	svc := NewService(lookup).WithClock(func() time.Time { return base })

	dates, err := svc.CalculateRetentionDates(context.Background(), "org_1", "st_sop")
	if err != nil {
		t.Fatalf("calculate retention: %v", err)
	}
	if dates.ReviewAt == nil || !dates.ReviewAt.Equal(base.AddDate(0, 3, 0)) {
		t.Fatalf("override review date wrong: %v", dates.ReviewAt)
	}
	if dates.ArchiveAt == nil || !dates.ArchiveAt.Equal(base.AddDate(0, 12, 0)) {
		t.Fatalf("subtype archive date must survive: %v", dates.ArchiveAt)
	}
}

func TestValidateDocumentMetadataDefaultsStatus(t *testing.T) {
	lookup := &fakeLookup{
		getSubtype: func(_ context.Context, _ string) (store.Subtype, error) {
			return store.Subtype{ID: "st_sop", TypeID: "dt_sop", StartState: "in_review"}, nil
		},
	}
	svc := NewService(lookup)

	status, err := svc.ValidateDocumentMetadata(context.Background(), "st_sop", nil)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if status != "in_review" {
		t.Fatalf("expected lifecycle start state, got %q", status)
	}
}

func itoa(n int) string {
	if n < 10 {
		return string(rune('0' + n))
	}
	return string(rune('0'+n/10)) + string(rune('0'+n%10))
}
