package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RefreshSummaries godoc
// @ID          refreshSummaries
// @Summary     Refresh chat summaries now
// @Description Runs one pass of the summary refresher over recently accessed chats.
// @Tags        Admin
// @Produce     json
// @Success     200  {object}  summary.Report
// @Failure     503  {object}  handlers.ErrorResponse  "Summaries disabled"
// @Router      /admin/summaries/refresh [post]
func (h *Handlers) RefreshSummaries(c *gin.Context) {
	if h.svc.Summaries == nil {
		fail(c, http.StatusServiceUnavailable, ErrCodeUnavailable, "summaries are disabled")
		return
	}
	rep, err := h.svc.Summaries.RunOnce(c.Request.Context())
	if err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, rep)
}
