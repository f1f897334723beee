package server

import (
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"

	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
)

func errorBody(code, message string) gin.H {
	return gin.H{"error": gin.H{"code": code, "message": message}}
}

// renderError maps err onto the shared taxonomy. Internal failures are logged
// and their detail withheld from the client.
func (s *Server) renderError(c *gin.Context, err error) {
	status := common.HTTPStatus(err)
	code := common.ErrorCode(err)
	msg := err.Error()

	var appErr *common.AppError
	if errors.As(err, &appErr) {
		msg = appErr.Message
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		status, code, msg = http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request body too large"
	}
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.logger.Errorw("http.error",
			"path", c.FullPath(),
			"request_id", common.RequestIDFromContext(c.Request.Context()),
			"err", err,
		)
		msg = "internal server error"
	}
	c.AbortWithStatusJSON(status, errorBody(code, msg))
}
