package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
)

func TestSyncError_ErrorAndUnwrap(t *testing.T) {
	cause := fmt.Errorf("disk I/O error")
	err := StorageFailed("failed to insert sync event", cause)

	assert.Equal(t, "failed to insert sync event: disk I/O error", err.Error())
	assert.Equal(t, cause, stderrors.Unwrap(err))
	assert.Equal(t, ErrCodeStorage, GetCode(err))
}

func TestSyncError_IsMatchesByCode(t *testing.T) {
	err := Rejected(ErrCodeHashMismatch, "hash mismatch: digest differs", nil)
	wrapped := fmt.Errorf("cycle failed: %w", err)

	assert.True(t, stderrors.Is(wrapped, ErrHashMismatch))
	assert.False(t, stderrors.Is(wrapped, ErrStalePackage))
	assert.Equal(t, "hash_mismatch", ReasonOf(wrapped))
}

func TestSyncError_Mappings(t *testing.T) {
	tests := []struct {
		name     string
		err      *SyncError
		grpcCode codes.Code
		httpCode int
	}{
		{"invalid argument", InvalidArgument("bad", nil), codes.InvalidArgument, http.StatusBadRequest},
		{"not found", NotFound("cache entry", "patient:1"), codes.NotFound, http.StatusNotFound},
		{"offline uncached", OfflineUncached("patient:1"), codes.Unavailable, http.StatusServiceUnavailable},
		{"token expired", Rejected(ErrCodeTokenExpired, "expired", nil), codes.Unauthenticated, http.StatusUnauthorized},
		{"establishment", Rejected(ErrCodeEstablishmentMismatch, "mismatch", nil), codes.PermissionDenied, http.StatusForbidden},
		{"hash mismatch", Rejected(ErrCodeHashMismatch, "tampered", nil), codes.DataLoss, http.StatusUnprocessableEntity},
		{"sync in flight", ErrSyncInFlight, codes.Aborted, http.StatusConflict},
		{"internal", InternalError("boom", nil), codes.Internal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.grpcCode, tt.err.ToGRPCStatus().Code())
			assert.Equal(t, tt.httpCode, tt.err.HTTPStatus())
		})
	}
}

func TestGetCode_PlainError(t *testing.T) {
	assert.Equal(t, ErrCodeInternal, GetCode(fmt.Errorf("plain")))
	assert.False(t, IsSyncError(fmt.Errorf("plain")))
	assert.True(t, IsSyncError(MissingDependency("sync", "store")))
	assert.Equal(t, "", ReasonOf(nil))
}
