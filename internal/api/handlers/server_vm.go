package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"vmconductor.io/conductor/internal/domain"
	"vmconductor.io/conductor/internal/orchestrator"
	apperrors "vmconductor.io/conductor/internal/pkg/errors"
)

type stopRequest struct {
	Forced bool `json:"forced"`
}

type rebootRequest struct {
	Params map[string]string `json:"params"`
}

type migrateRequest struct {
	SrcHostID   int64                    `json:"src_host_id"`
	Destination domain.DeployDestination `json:"destination"`
}

type migrateAwayRequest struct {
	SrcHostID int64 `json:"src_host_id"`
}

type migrateWithStorageRequest struct {
	SrcHostID    int64           `json:"src_host_id"`
	DestHostID   int64           `json:"dest_host_id" binding:"required"`
	VolumeToPool map[int64]int64 `json:"volume_to_pool"`
}

type scaleRequest struct {
	ServiceOfferingID int64                     `json:"service_offering_id" binding:"required"`
	SameHost          bool                      `json:"same_host"`
	Destination       *domain.DeployDestination `json:"destination,omitempty"`
}

type storageMigrateRequest struct {
	PoolID int64 `json:"pool_id" binding:"required"`
}

// AllocateVM handles POST /vms.
func (s *Server) AllocateVM(c *gin.Context) {
	var req orchestrator.AllocateRequest
	if !bindRequired(c, &req) {
		return
	}
	vm, err := s.lifecycle.Allocate(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	s.record(c, "allocate", vm.UUID, nil)
	c.JSON(http.StatusCreated, vm)
}

// GetVM handles GET /vms/:uuid.
func (s *Server) GetVM(c *gin.Context) {
	vm, ok := s.lookupVM(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, vm)
}

// GetVMAudit handles GET /vms/:uuid/audit. ?limit caps the result.
func (s *Server) GetVMAudit(c *gin.Context) {
	vm, ok := s.lookupVM(c)
	if !ok {
		return
	}
	if s.audit == nil {
		c.JSON(http.StatusOK, gin.H{"records": []*domain.AuditRecord{}})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 0 {
		_ = c.Error(apperrors.BadRequest(apperrors.CodeInvalidRequestField, "limit must be a non-negative integer"))
		return
	}
	recs, err := s.audit.VMHistory(c.Request.Context(), vm.UUID, limit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if recs == nil {
		recs = []*domain.AuditRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"records": recs})
}

// DestroyVM handles DELETE /vms/:uuid. ?expunge=true also expunges.
func (s *Server) DestroyVM(c *gin.Context) {
	vm, ok := s.lookupVM(c)
	if !ok {
		return
	}
	expunge, _ := strconv.ParseBool(c.DefaultQuery("expunge", "false"))
	if err := s.lifecycle.Destroy(c.Request.Context(), vm.ID, expunge, callerFromCtx(c)); err != nil {
		_ = c.Error(err)
		return
	}
	s.record(c, "destroy", vm.UUID, map[string]any{"expunge": expunge})
	c.Status(http.StatusNoContent)
}

// StartVM handles POST /vms/:uuid/start.
func (s *Server) StartVM(c *gin.Context) {
	var req domain.StartParams
	s.runVM(c, "start", &req, func(vm *domain.VM) (*domain.VM, error) {
		return s.lifecycle.Start(c.Request.Context(), vm.ID, req, callerFromCtx(c))
	})
}

// StopVM handles POST /vms/:uuid/stop.
func (s *Server) StopVM(c *gin.Context) {
	var req stopRequest
	s.runVM(c, "stop", &req, func(vm *domain.VM) (*domain.VM, error) {
		return s.lifecycle.Stop(c.Request.Context(), vm.ID, req.Forced, callerFromCtx(c))
	})
}

// RebootVM handles POST /vms/:uuid/reboot.
func (s *Server) RebootVM(c *gin.Context) {
	var req rebootRequest
	s.runVM(c, "reboot", &req, func(vm *domain.VM) (*domain.VM, error) {
		return s.lifecycle.Reboot(c.Request.Context(), vm.ID, req.Params, callerFromCtx(c))
	})
}

// MigrateVM handles POST /vms/:uuid/migrate. The source host defaults to
// the VM's current host.
func (s *Server) MigrateVM(c *gin.Context) {
	var req migrateRequest
	s.runVM(c, "migrate", &req, func(vm *domain.VM) (*domain.VM, error) {
		return s.lifecycle.Migrate(c.Request.Context(), vm.ID, srcHost(req.SrcHostID, vm), req.Destination, callerFromCtx(c))
	})
}

// MigrateVMAway handles POST /vms/:uuid/migrate-away.
func (s *Server) MigrateVMAway(c *gin.Context) {
	var req migrateAwayRequest
	s.runVM(c, "migrate_away", &req, func(vm *domain.VM) (*domain.VM, error) {
		return s.lifecycle.MigrateAway(c.Request.Context(), vm.ID, srcHost(req.SrcHostID, vm), callerFromCtx(c))
	})
}

// MigrateVMWithStorage handles POST /vms/:uuid/migrate-with-storage.
func (s *Server) MigrateVMWithStorage(c *gin.Context) {
	var req migrateWithStorageRequest
	s.runVM(c, "migrate_with_storage", &req, func(vm *domain.VM) (*domain.VM, error) {
		return s.lifecycle.MigrateWithStorage(c.Request.Context(), vm.ID, srcHost(req.SrcHostID, vm),
			req.DestHostID, req.VolumeToPool, callerFromCtx(c))
	})
}

// ScaleVM handles POST /vms/:uuid/scale. With a destination the VM is
// migrated onto the new offering; otherwise it is reconfigured in place.
func (s *Server) ScaleVM(c *gin.Context) {
	var req scaleRequest
	s.runVM(c, "scale", &req, func(vm *domain.VM) (*domain.VM, error) {
		if req.Destination != nil {
			return s.lifecycle.MigrateForScale(c.Request.Context(), vm.ID, srcHost(0, vm),
				*req.Destination, req.ServiceOfferingID, callerFromCtx(c))
		}
		return s.lifecycle.Reconfigure(c.Request.Context(), vm.ID, req.ServiceOfferingID, req.SameHost, callerFromCtx(c))
	})
}

// MigrateVMStorage handles POST /vms/:uuid/storage-migrate.
func (s *Server) MigrateVMStorage(c *gin.Context) {
	var req storageMigrateRequest
	s.runVM(c, "storage_migrate", &req, func(vm *domain.VM) (*domain.VM, error) {
		return s.lifecycle.StorageMigration(c.Request.Context(), vm.ID, req.PoolID, callerFromCtx(c))
	})
}

// runVM binds req, resolves the VM, runs op and audits it as operation.
func (s *Server) runVM(c *gin.Context, operation string, req any, op func(vm *domain.VM) (*domain.VM, error)) {
	if !bind(c, req) {
		return
	}
	vm, ok := s.lookupVM(c)
	if !ok {
		return
	}
	out, err := op(vm)
	if err != nil {
		_ = c.Error(err)
		return
	}
	s.record(c, operation, vm.UUID, nil)
	c.JSON(http.StatusOK, out)
}

func srcHost(requested int64, vm *domain.VM) int64 {
	if requested != 0 {
		return requested
	}
	return vm.HostIDValue()
}
