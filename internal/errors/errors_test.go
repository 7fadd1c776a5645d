package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	err := New(ErrCategoryCatalog, CodeDatasetNotFound, "dataset sensor-metrics not found")
	want := "[CATALOG:DATASET_NOT_FOUND] dataset sensor-metrics not found"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}

	wrapped := Wrap(ErrCategoryStorage, CodeDownloadFailed, "fetch failed", fmt.Errorf("timeout"))
	want = "[STORAGE:DOWNLOAD_FAILED] fetch failed: timeout"
	if wrapped.Error() != want {
		t.Fatalf("Error() = %q, want %q", wrapped.Error(), want)
	}
}

func TestErrorsAsThroughWrapping(t *testing.T) {
	inner := New(ErrCategoryValidation, CodeInvalidTimeRange, "end before start")
	outer := fmt.Errorf("planner: %w", inner)

	var le *LakeError
	if !errors.As(outer, &le) {
		t.Fatal("errors.As failed through fmt.Errorf wrapping")
	}
	if le.Code != CodeInvalidTimeRange {
		t.Fatalf("unexpected code %s", le.Code)
	}
}

func TestErrorsIsMatchesCategoryAndCode(t *testing.T) {
	err := Wrap(ErrCategoryEngine, CodeAttachFailed, "attach p_1", fmt.Errorf("disk io"))
	if !errors.Is(err, New(ErrCategoryEngine, CodeAttachFailed, "")) {
		t.Fatal("same category+code should match")
	}
	if errors.Is(err, New(ErrCategoryEngine, CodeEngineBuild, "")) {
		t.Fatal("different code must not match")
	}
}

func TestUnwrapReachesCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := NewStorageError(CodeDownloadFailed, "fetch partition", cause)
	if !errors.Is(err, cause) {
		t.Fatal("cause not reachable through Unwrap")
	}
}

func TestRetryableClassification(t *testing.T) {
	tests := []struct {
		err       error
		retryable bool
	}{
		{NewStorageError(CodeDownloadFailed, "x", nil), true},
		{NewStorageError(CodeUploadFailed, "x", nil), true},
		{Wrap(ErrCategoryContext, CodeContextBuildFailed, "x", nil), true},
		{NewQueryError(CodeExecutionTimeout, "x"), true},
		{NewValidationError(CodeInvalidFilter, "x"), false},
		{New(ErrCategoryCatalog, CodeDatasetNotFound, "x"), false},
		{fmt.Errorf("plain"), false},
	}
	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.retryable {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.retryable)
		}
	}
}

func TestCodeAndCategoryExtraction(t *testing.T) {
	err := fmt.Errorf("outer: %w", NewQueryError(CodeStatementTooLarge, "1.2MB statement"))
	if GetCode(err) != CodeStatementTooLarge {
		t.Fatalf("GetCode = %s", GetCode(err))
	}
	if GetCategory(err) != ErrCategoryQuery {
		t.Fatalf("GetCategory = %s", GetCategory(err))
	}
	if !HasCode(err, CodeStatementTooLarge) {
		t.Fatal("HasCode missed the code")
	}
	if GetCode(fmt.Errorf("plain")) != "" {
		t.Fatal("plain error should yield empty code")
	}
}

func TestWithDetailsCopies(t *testing.T) {
	base := New(ErrCategoryQuery, CodeExecutionFailed, "boom")
	detailed := base.WithDetails(map[string]interface{}{"dataset": "sensor-metrics"})
	if base.Details != nil {
		t.Fatal("WithDetails mutated the original")
	}
	if detailed.Details["dataset"] != "sensor-metrics" {
		t.Fatal("details not attached")
	}
}
