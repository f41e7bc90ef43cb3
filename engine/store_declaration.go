package engine

import (
	"context"
)

// ApprovalRepo 审批实例存储
// UpdateWorkflowInstance 返回命中的行数，引擎依赖这个做乐观并发检查
type ApprovalRepo interface {
	CreateWorkflowInstance(ctx context.Context, workflowInstance *WorkflowInstancePo) (*WorkflowInstancePo, error)
	QueryWorkflowInstance(ctx context.Context, param *QueryWorkflowInstanceParams) ([]*WorkflowInstancePo, error)
	CountWorkflowInstance(ctx context.Context, param *QueryWorkflowInstanceParams) (int64, error)
	UpdateWorkflowInstance(ctx context.Context, param *UpdateWorkflowInstanceParams) (int64, error)
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// DirectoryUser 组织目录里面的用户,引擎只关心id和邮箱
type DirectoryUser struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// DirectoryRepo 组织目录，对引擎只读
// Find*没有命中时返回(nil, nil)，存储层错误才返回error
type DirectoryRepo interface {
	FindTemplate(ctx context.Context, templateID string, organizationID string) (*WorkflowTemplatePo, error)
	FindRole(ctx context.Context, code string, organizationID string) (*RolePo, error)
	FindActiveUsersByRole(ctx context.Context, organizationID string, roleID string) ([]*DirectoryUser, error)
	FindUser(ctx context.Context, userID string) (*DirectoryUser, error)
	// FindActiveDelegations 查询delegator当前生效的委托,nowTs为Unix秒
	FindActiveDelegations(ctx context.Context, delegatorID string, nowTs int64) ([]*DelegationPo, error)
}

// ResourceRepo 业务资源集合的状态回写
// 资源不存在时更新命中0行，不算错误
type ResourceRepo interface {
	UpdateResourceStatus(ctx context.Context, collection string, resourceID string, fields map[string]any) error
}
