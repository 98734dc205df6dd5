// Package handlers implements the conductor REST API.
//
// Handlers translate requests into orchestrator and reconciler calls and
// leave error rendering to middleware.ErrorHandler.
package handlers

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"vmconductor.io/conductor/internal/api/middleware"
	"vmconductor.io/conductor/internal/domain"
	"vmconductor.io/conductor/internal/orchestrator"
	apperrors "vmconductor.io/conductor/internal/pkg/errors"
	"vmconductor.io/conductor/internal/repository"
)

// Lifecycle is the orchestrator surface the API drives.
type Lifecycle interface {
	Allocate(ctx context.Context, req orchestrator.AllocateRequest) (*domain.VM, error)
	Start(ctx context.Context, vmID int64, params domain.StartParams, caller domain.Caller) (*domain.VM, error)
	Stop(ctx context.Context, vmID int64, forced bool, caller domain.Caller) (*domain.VM, error)
	Reboot(ctx context.Context, vmID int64, params map[string]string, caller domain.Caller) (*domain.VM, error)
	Migrate(ctx context.Context, vmID, srcHostID int64, dest domain.DeployDestination, caller domain.Caller) (*domain.VM, error)
	MigrateAway(ctx context.Context, vmID, srcHostID int64, caller domain.Caller) (*domain.VM, error)
	MigrateWithStorage(ctx context.Context, vmID, srcHostID, destHostID int64, volumeToPool map[int64]int64, caller domain.Caller) (*domain.VM, error)
	MigrateForScale(ctx context.Context, vmID, srcHostID int64, dest domain.DeployDestination, newOfferingID int64, caller domain.Caller) (*domain.VM, error)
	Reconfigure(ctx context.Context, vmID, newOfferingID int64, sameHost bool, caller domain.Caller) (*domain.VM, error)
	StorageMigration(ctx context.Context, vmID, poolID int64, caller domain.Caller) (*domain.VM, error)
	AddNic(ctx context.Context, vmID, networkID int64, ipAddress string, caller domain.Caller) (*domain.Nic, error)
	RemoveNic(ctx context.Context, vmID, nicID int64, caller domain.Caller) error
	Destroy(ctx context.Context, vmID int64, expunge bool, caller domain.Caller) error
}

// PowerReports receives hypervisor agent reports.
type PowerReports interface {
	HandleHostReport(ctx context.Context, hostID int64, report map[string]domain.PowerState) error
	HandlePowerChange(ctx context.Context, vmID, hostID int64, state domain.PowerState) error
}

// VMReader resolves the public VM uuid.
type VMReader interface {
	GetVMByUUID(ctx context.Context, uuid string) (*domain.VM, error)
}

// Auditor records caller-initiated VM operations.
type Auditor interface {
	LogVMOperation(ctx context.Context, operation, vmUUID string, caller domain.Caller, requestID string, details map[string]any) error
	VMHistory(ctx context.Context, vmUUID string, limit int) ([]*domain.AuditRecord, error)
}

// Server holds the API handlers.
type Server struct {
	lifecycle Lifecycle
	reports   PowerReports
	vms       VMReader
	audit     Auditor
}

// ServerDeps holds all dependencies for creating a Server. Audit is
// optional.
type ServerDeps struct {
	Lifecycle Lifecycle
	Reports   PowerReports
	VMs       VMReader
	Audit     Auditor
}

// NewServer creates a new Server with all dependencies.
func NewServer(deps ServerDeps) *Server {
	useJSONFieldNames()
	return &Server{
		lifecycle: deps.Lifecycle,
		reports:   deps.Reports,
		vms:       deps.VMs,
		audit:     deps.Audit,
	}
}

// RegisterRoutes mounts the authenticated API on rg. Agent report routes
// additionally require the power:report permission when auth is enabled.
func (s *Server) RegisterRoutes(rg *gin.RouterGroup, authEnabled bool) {
	vms := rg.Group("/vms")
	vms.POST("", s.AllocateVM)
	vms.GET("/:uuid", s.GetVM)
	vms.GET("/:uuid/audit", s.GetVMAudit)
	vms.DELETE("/:uuid", s.DestroyVM)
	vms.POST("/:uuid/start", s.StartVM)
	vms.POST("/:uuid/stop", s.StopVM)
	vms.POST("/:uuid/reboot", s.RebootVM)
	vms.POST("/:uuid/migrate", s.MigrateVM)
	vms.POST("/:uuid/migrate-away", s.MigrateVMAway)
	vms.POST("/:uuid/migrate-with-storage", s.MigrateVMWithStorage)
	vms.POST("/:uuid/scale", s.ScaleVM)
	vms.POST("/:uuid/storage-migrate", s.MigrateVMStorage)
	vms.POST("/:uuid/nics", s.AddNic)
	vms.DELETE("/:uuid/nics/:nic_id", s.RemoveNic)

	agent := rg.Group("")
	if authEnabled {
		agent.Use(middleware.RequirePermission(middleware.PermissionPowerReport))
	}
	agent.POST("/hosts/:host_id/power-report", s.ReportHostPower)
	agent.POST("/vms/:uuid/power-state", s.ReportVMPower)
}

// callerFromCtx reads the authenticated caller set by JWTAuth.
func callerFromCtx(c *gin.Context) domain.Caller {
	ctx := c.Request.Context()
	user := middleware.GetUserID(ctx)
	if user == "" {
		user = "anonymous"
	}
	return domain.Caller{UserID: user, AccountID: middleware.GetAccountID(ctx)}
}

// record writes an audit entry for a successful operation. A failed write
// is logged by the auditor and does not fail the request.
func (s *Server) record(c *gin.Context, operation, vmUUID string, details map[string]any) {
	if s.audit == nil {
		return
	}
	ctx := c.Request.Context()
	_ = s.audit.LogVMOperation(ctx, operation, vmUUID, callerFromCtx(c), middleware.GetRequestID(ctx), details)
}

// lookupVM resolves :uuid, attaching the error to c when it fails.
func (s *Server) lookupVM(c *gin.Context) (*domain.VM, bool) {
	ref := c.Param("uuid")
	vm, err := s.vms.GetVMByUUID(c.Request.Context(), ref)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && vm.Removed != nil) {
		_ = c.Error(apperrors.VMNotFound(ref))
		return nil, false
	}
	if err != nil {
		_ = c.Error(err)
		return nil, false
	}
	return vm, true
}

// bind decodes an optional JSON body into req.
func bind(c *gin.Context, req any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	return bindRequired(c, req)
}

// bindRequired decodes a mandatory JSON body into req.
func bindRequired(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		_ = c.Error(invalidBody(err))
		return false
	}
	return true
}

// invalidBody reports binding failures per JSON field where the validator
// can name them.
func invalidBody(err error) *apperrors.AppError {
	appErr := apperrors.BadRequest(apperrors.CodeInvalidRequestField, "invalid request body").WithCause(err)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return appErr
	}
	fields := make([]apperrors.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, apperrors.FieldError{Field: fe.Field(), Code: fe.Tag()})
	}
	return appErr.WithFieldErrors(fields)
}

var jsonFieldNames sync.Once

// useJSONFieldNames makes validator errors report json tag names.
func useJSONFieldNames() {
	jsonFieldNames.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
}
