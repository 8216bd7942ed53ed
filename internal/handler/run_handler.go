package handler

import (
	"context"

	"github.com/gin-gonic/gin"

	"vault-cosigner/internal/handler/response"
	"vault-cosigner/internal/model"
	"vault-cosigner/pkg/errno"
)

// RunReader 只读查询 run (service.CosignService)
type RunReader interface {
	Get(ctx context.Context, runID string) (*model.CosignRun, error)
}

// RunStatusRequest 路径参数
type RunStatusRequest struct {
	ID string `uri:"id" binding:"required,max=64"`
}

type RunHandler struct {
	runs RunReader
}

func NewRunHandler(runs RunReader) *RunHandler {
	return &RunHandler{runs: runs}
}

// GetRun 查询 run 状态
// @Router /api/v1/runs/{id} [get]
func (h *RunHandler) GetRun(c *gin.Context) {
	var req RunStatusRequest
	if err := c.ShouldBindUri(&req); err != nil {
		response.Error(c, errno.Wrap(errno.ErrBind, "run id", err))
		return
	}

	run, err := h.runs.Get(c.Request.Context(), req.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, run)
}
