package engine

import "context"

type ApprovalEngine interface {
	/**
	 * @description: 从模板启动一个审批实例
	 *				 模板必须处于激活状态且至少有一个步骤
	 *				 实例创建在第1步,状态为in_progress,并解析好第1步的审批人(含委托)
	 *				 通知发送失败只记录日志,不影响实例创建
	 * @param ctx context.Context
	 * @param req *StartWorkflowReq
	 * @return *WorkflowInstance, error
	 */
	StartWorkflow(ctx context.Context, req *StartWorkflowReq) (*WorkflowInstance, error)
	/**
	 * @description: 记录一次审批动作(approve/reject/request_changes)并推进状态机
	 *				 操作人必须在当前审批人集合里面
	 *				 每次成功调用都会追加一条StepCompletion审计记录
	 *				 同一个实例的操作通过实例锁串行化
	 * @param ctx context.Context
	 * @param req *ProcessApprovalActionReq
	 * @return *WorkflowInstance, error
	 */
	ProcessApprovalAction(ctx context.Context, req *ProcessApprovalActionReq) (*WorkflowInstance, error)
	/**
	 * @description: 超时升级扫描,由外部调度器周期触发
	 *				 对status=in_progress且due_at已过的实例,把审批人替换成步骤的升级角色并置为escalated
	 *				 升级是一次性的,已升级的实例不会再次命中扫描条件
	 * @param ctx context.Context
	 * @return []*WorkflowInstance 本次被升级的实例
	 */
	CheckEscalations(ctx context.Context) ([]*WorkflowInstance, error)
	/**
	 * @description: 强制终止一个活跃实例
	 *				 这里不校验操作人是否是审批人,权限由调用方的权限层把关
	 * @param ctx context.Context
	 * @param req *CancelWorkflowReq
	 * @return *WorkflowInstance, error
	 */
	CancelWorkflow(ctx context.Context, req *CancelWorkflowReq) (*WorkflowInstance, error)
	/**
	 * @description: 按id查询单个审批实例
	 */
	GetWorkflow(ctx context.Context, workflowID string) (*WorkflowInstance, error)
	/**
	 * @description: 查询某个资源上活跃的审批实例,调用方启动前的去重检查用这个
	 * @return *WorkflowInstance 没有活跃实例时返回nil
	 */
	FindActiveByResource(ctx context.Context, resourceType ResourceType, resourceID string) (*WorkflowInstance, error)
	/**
	 * @description: 分页查询审批实例
	 */
	QueryWorkflowInstance(ctx context.Context, params *QueryWorkflowInstanceParams) ([]*WorkflowInstance, error)
	/**
	 * @description: 查询审批实例数量
	 */
	CountWorkflowInstance(ctx context.Context, params *QueryWorkflowInstanceParams) (int64, error)
}

// WorkflowInstance 审批实例entity,对外返回的普通数据结构,不泄漏内部引用
type WorkflowInstance struct {
	ID               string
	OrganizationID   string
	TemplateID       string
	TemplateName     string
	ResourceType     ResourceType
	ResourceID       string
	ResourceName     string
	CurrentStep      int
	Status           WorkflowStatus
	StepsCompleted   []*StepCompletion
	CurrentApprovers []string
	StartedAt        int64
	DueAt            int64
	CompletedAt      *int64
	CreatedBy        string
	CreatedByName    string
	UpdatedAt        int64
}

type StartWorkflowReq struct {
	TemplateID     string       `json:"template_id" validate:"required"`
	OrganizationID string       `json:"organization_id" validate:"required"`
	ResourceType   ResourceType `json:"resource_type" validate:"required,oneof=task inspection checklist report"`
	ResourceID     string       `json:"resource_id" validate:"required"`
	ResourceName   string       `json:"resource_name"`
	CreatedBy      string       `json:"created_by" validate:"required"`
	CreatedByName  string       `json:"created_by_name"`
}

type ProcessApprovalActionReq struct {
	WorkflowID string         `json:"workflow_id" validate:"required"`
	UserID     string         `json:"user_id" validate:"required"`
	UserName   string         `json:"user_name"`
	Action     ApprovalAction `json:"action" validate:"required,oneof=approve reject request_changes"`
	Comments   string         `json:"comments"`
}

type CancelWorkflowReq struct {
	WorkflowID string `json:"workflow_id" validate:"required"`
	UserID     string `json:"user_id" validate:"required"`
	Reason     string `json:"reason"`
}

// ApprovalEngineImpl 审批引擎
// 全部状态在存储里面,实例之间没有共享内存,按请求独立调用
type ApprovalEngineImpl struct {
	repo        ApprovalRepo
	directory   DirectoryRepo
	resources   ResourceRepo
	notifier    Notifier
	executeLock EngineLock
}

func NewApprovalEngine(repo ApprovalRepo, directory DirectoryRepo, resources ResourceRepo, executeLock EngineLock, notifier Notifier) ApprovalEngine {
	if notifier == nil {
		notifier = NewSlogNotifier()
	}
	return &ApprovalEngineImpl{
		repo:        repo,
		directory:   directory,
		resources:   resources,
		notifier:    notifier,
		executeLock: executeLock,
	}
}
