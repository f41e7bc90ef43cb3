package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkg/errors"
)

// syncResourceStatus 把流程终态回写到触发审批的业务资源上
// 未识别的资源类型记日志后跳过,不抛错,流程自己的终态是权威记录
// 资源文档已经不存在时更新命中0行,同样不算错误
func (s *ApprovalEngineImpl) syncResourceStatus(ctx context.Context, po *WorkflowInstancePo, workflowStatus WorkflowStatus) error {
	collection, ok := ResourceCollection(po.ResourceType)
	if !ok {
		slog.WarnContext(ctx, fmt.Sprintf("unknown resource type %s, skip resource sync, workflowID: %s", po.ResourceType, po.ID))
		return nil
	}
	resourceStatus, ok := resourceStatusForWorkflowStatus(workflowStatus)
	if !ok {
		slog.WarnContext(ctx, fmt.Sprintf("workflow status %s has no resource mapping, skip resource sync, workflowID: %s", workflowStatus, po.ID))
		return nil
	}

	now := time.Now().Unix()
	fields := map[string]any{
		"status":          resourceStatus,
		"workflow_status": workflowStatus,
		"updated_at":      now,
	}
	switch workflowStatus {
	case WorkflowStatusApproved:
		fields["approved_at"] = now
	case WorkflowStatusRejected:
		fields["rejected_at"] = now
	}

	if err := s.resources.UpdateResourceStatus(ctx, collection, po.ResourceID, fields); err != nil {
		return errors.WithMessagef(err, "UpdateResourceStatus failed, collection: %s, resourceID: %s", collection, po.ResourceID)
	}
	return nil
}
