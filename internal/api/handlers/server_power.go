package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"vmconductor.io/conductor/internal/domain"
	apperrors "vmconductor.io/conductor/internal/pkg/errors"
)

// hostReportRequest is a full report: every instance the agent knows
// about, keyed by instance name. Instances absent from it are treated as
// missing once the grace period passes.
type hostReportRequest struct {
	States map[string]domain.PowerState `json:"states"`
}

type powerChangeRequest struct {
	HostID int64             `json:"host_id" binding:"required"`
	State  domain.PowerState `json:"state" binding:"required"`
}

func reportable(state domain.PowerState) bool {
	switch state {
	case domain.PowerOn, domain.PowerOff, domain.PowerUnknown:
		return true
	}
	return false
}

// ReportHostPower handles POST /hosts/:host_id/power-report.
func (s *Server) ReportHostPower(c *gin.Context) {
	hostID, err := strconv.ParseInt(c.Param("host_id"), 10, 64)
	if err != nil || hostID <= 0 {
		_ = c.Error(apperrors.BadRequest(apperrors.CodeInvalidRequestField, "host_id must be a positive integer"))
		return
	}
	var req hostReportRequest
	if !bindRequired(c, &req) {
		return
	}
	for name, state := range req.States {
		if !reportable(state) {
			_ = c.Error(apperrors.BadRequest(apperrors.CodeInvalidRequestField,
				fmt.Sprintf("instance %s: unsupported power state %q", name, state)))
			return
		}
	}
	if req.States == nil {
		req.States = map[string]domain.PowerState{}
	}
	if err := s.reports.HandleHostReport(c.Request.Context(), hostID, req.States); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusAccepted)
}

// ReportVMPower handles POST /vms/:uuid/power-state.
func (s *Server) ReportVMPower(c *gin.Context) {
	var req powerChangeRequest
	if !bindRequired(c, &req) {
		return
	}
	if !reportable(req.State) {
		_ = c.Error(apperrors.BadRequest(apperrors.CodeInvalidRequestField,
			fmt.Sprintf("unsupported power state %q", req.State)))
		return
	}
	vm, ok := s.lookupVM(c)
	if !ok {
		return
	}
	if err := s.reports.HandlePowerChange(c.Request.Context(), vm.ID, req.HostID, req.State); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusAccepted)
}
