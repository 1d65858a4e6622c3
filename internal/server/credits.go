package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/smallbiznis/pagebill/internal/ledger/domain"
)

type downloadRequest struct {
	Pages int64 `json:"pages"`
}

func (s *Server) GetCredits(c *gin.Context) {
	balance, err := s.ledgerSvc.Balance(c.Request.Context(), userIDFrom(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": balance})
}

// DownloadJob charges the job's pages before the result may be fetched. The
// whole job is charged; a pages value, when sent, must match its page count.
func (s *Server) DownloadJob(c *gin.Context) {
	var req downloadRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}
	pages, err := parseOptionalInt64(c.Query("pages"))
	if err != nil {
		AbortWithError(c, newValidationError("pages", "invalid_pages", "pages must be an integer"))
		return
	}
	if pages != nil {
		req.Pages = *pages
	}

	result, err := s.ledgerSvc.ChargeJob(c.Request.Context(), ledgerdomain.ChargeJobRequest{
		UserID: userIDFrom(c),
		JobID:  c.Param("job_id"),
		Pages:  req.Pages,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}
