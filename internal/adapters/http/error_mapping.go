package httpadapter

import (
	"net/http"

	"github.com/kirillkom/batch-extractor/internal/core/domain"
)

func mapErrorToHTTPStatus(err error) int {
	switch {
	case domain.IsKind(err, domain.ErrInvalidInput), domain.IsKind(err, domain.ErrUnsupportedDocument):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrRequestNotFound), domain.IsKind(err, domain.ErrBatchJobNotFound):
		return http.StatusNotFound
	case domain.IsKind(err, domain.ErrTemporary):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
