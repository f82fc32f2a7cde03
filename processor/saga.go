package processor

import (
	"context"
	"fmt"

	"github.com/outofforest/failover/types"
)

// ServiceCatalog manages applications and services of the cluster.
type ServiceCatalog interface {
	DeleteApplication(ctx context.Context, applicationID string, instance uint64) types.ErrorCode
	DeleteService(ctx context.Context, name string, isForce bool, instance uint64) types.ErrorCode
}

// Step is the step of the delete saga.
type Step int

const (
	// StepDeleteApplication deletes the application.
	StepDeleteApplication Step = iota
	// StepDeleteService deletes the service.
	StepDeleteService
)

func (s Step) String() string {
	switch s {
	case StepDeleteApplication:
		return "delete-application"
	case StepDeleteService:
		return "delete-service"
	default:
		return fmt.Sprintf("step(%d)", int(s))
	}
}

// StepError is returned if step of the delete saga failed.
type StepError struct {
	Step Step
	Code types.ErrorCode
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Step, e.Code)
}

// DeleteSaga deletes the service whose application instance has been deleted.
type DeleteSaga struct {
	ApplicationID       string
	ApplicationInstance uint64
	ServiceName         string
	ServiceInstance     uint64
}

func newDeleteSaga(service types.ServiceDescription) *DeleteSaga {
	return &DeleteSaga{
		ApplicationID:       service.ApplicationID,
		ApplicationInstance: service.ApplicationInstance,
		ServiceName:         service.Name,
		ServiceInstance:     service.ServiceInstance,
	}
}

// Run executes the steps of the saga. Deleting the service is not attempted if application can't be deleted.
func (s *DeleteSaga) Run(ctx context.Context, catalog ServiceCatalog) error {
	code := catalog.DeleteApplication(ctx, s.ApplicationID, s.ApplicationInstance)
	if !code.IsSuccess() && code != types.ErrorCodeApplicationNotFound {
		return &StepError{Step: StepDeleteApplication, Code: code}
	}

	code = catalog.DeleteService(ctx, s.ServiceName, false, s.ServiceInstance)
	if !code.IsSuccess() && code != types.ErrorCodeServiceNotFound {
		return &StepError{Step: StepDeleteService, Code: code}
	}
	return nil
}
