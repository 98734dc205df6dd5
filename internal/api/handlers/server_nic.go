package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	apperrors "vmconductor.io/conductor/internal/pkg/errors"
)

type addNicRequest struct {
	NetworkID int64  `json:"network_id" binding:"required"`
	IPAddress string `json:"ip_address"`
}

// AddNic handles POST /vms/:uuid/nics.
func (s *Server) AddNic(c *gin.Context) {
	var req addNicRequest
	if !bindRequired(c, &req) {
		return
	}
	vm, ok := s.lookupVM(c)
	if !ok {
		return
	}
	nic, err := s.lifecycle.AddNic(c.Request.Context(), vm.ID, req.NetworkID, req.IPAddress, callerFromCtx(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	s.record(c, "add_nic", vm.UUID, map[string]any{"nic_id": nic.ID, "network_id": req.NetworkID})
	c.JSON(http.StatusCreated, nic)
}

// RemoveNic handles DELETE /vms/:uuid/nics/:nic_id.
func (s *Server) RemoveNic(c *gin.Context) {
	nicID, err := strconv.ParseInt(c.Param("nic_id"), 10, 64)
	if err != nil || nicID <= 0 {
		_ = c.Error(apperrors.BadRequest(apperrors.CodeInvalidRequestField, "nic_id must be a positive integer"))
		return
	}
	vm, ok := s.lookupVM(c)
	if !ok {
		return
	}
	if err := s.lifecycle.RemoveNic(c.Request.Context(), vm.ID, nicID, callerFromCtx(c)); err != nil {
		_ = c.Error(err)
		return
	}
	s.record(c, "remove_nic", vm.UUID, map[string]any{"nic_id": nicID})
	c.Status(http.StatusNoContent)
}
