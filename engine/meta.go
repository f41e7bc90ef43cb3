package engine

import "github.com/pkg/errors"

var (
	ErrTemplateNotFound = errors.New("workflow template not found")
	ErrTemplateInactive = errors.New("workflow template inactive")
	// ErrInvalidTemplate: 模板没有步骤，不能启动流程
	ErrInvalidTemplate  = errors.New("workflow template has no steps")
	ErrWorkflowNotFound = errors.New("workflow instance not found")
	// ErrInvalidState: 实例处于终态或者不可操作状态
	ErrInvalidState = errors.New("workflow instance not actionable")
	// ErrUnauthorized: 操作人不在当前步骤的审批人集合里面
	ErrUnauthorized = errors.New("user not in current approvers")
	// ErrDuplicateWorkflow: 同一个资源同时只能有一个进行中的审批实例
	ErrDuplicateWorkflow = errors.New("resource already has an active workflow")
	ErrInvalidParam      = errors.New("workflow param invalid")
	// ErrConflict: 条件更新没有命中，说明有并发操作改了实例状态，调用方可以重试
	ErrConflict = errors.New("workflow instance concurrently modified")
)

type WorkflowStatus = string

const (
	// 活跃状态，请求变更后回到pending，等待申请人处理
	WorkflowStatusPending    WorkflowStatus = "pending"
	WorkflowStatusInProgress WorkflowStatus = "in_progress"
	// 升级状态，超时后审批人被替换成升级角色，依然可以审批
	WorkflowStatusEscalated WorkflowStatus = "escalated"
	// 终止状态，实例不可再变更，作为审计记录永久保留
	WorkflowStatusApproved  WorkflowStatus = "approved"
	WorkflowStatusRejected  WorkflowStatus = "rejected"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

func IsFinalWorkflowStatus(status WorkflowStatus) bool {
	return status == WorkflowStatusApproved || status == WorkflowStatusRejected || status == WorkflowStatusCancelled
}

// IsActionableWorkflowStatus 审批动作的状态守卫
// escalated 也是可操作状态: 升级之后新的审批人需要通过ProcessApprovalAction继续处理
func IsActionableWorkflowStatus(status WorkflowStatus) bool {
	return status == WorkflowStatusPending || status == WorkflowStatusInProgress || status == WorkflowStatusEscalated
}

func GetWorkflowStatusText(status WorkflowStatus) string {
	switch status {
	case WorkflowStatusPending:
		return "待处理"
	case WorkflowStatusInProgress:
		return "审批中"
	case WorkflowStatusEscalated:
		return "已升级"
	case WorkflowStatusApproved:
		return "已批准"
	case WorkflowStatusRejected:
		return "已拒绝"
	case WorkflowStatusCancelled:
		return "已取消"
	}
	return "未知"
}

type ApprovalAction = string

const (
	ApprovalActionApprove        ApprovalAction = "approve"
	ApprovalActionReject         ApprovalAction = "reject"
	ApprovalActionRequestChanges ApprovalAction = "request_changes"
	// cancel 只会由CancelWorkflow写入审计记录，不接受外部直接提交
	ApprovalActionCancel ApprovalAction = "cancel"
)

// ApprovalType 步骤的会签规则
type ApprovalType = string

const (
	// 任意一个审批人通过即可进入下一步
	ApprovalTypeAny ApprovalType = "any"
	// 所有当前审批人都通过之后才进入下一步
	ApprovalTypeAll ApprovalType = "all"
)

// ApproverContext 审批人的组织范围
type ApproverContext = string

const (
	ApproverContextOwn          ApproverContext = "own"
	ApproverContextTeam         ApproverContext = "team"
	ApproverContextBranch       ApproverContext = "branch"
	ApproverContextRegion       ApproverContext = "region"
	ApproverContextOrganization ApproverContext = "organization"
)

type ResourceType = string

const (
	ResourceTypeTask       ResourceType = "task"
	ResourceTypeInspection ResourceType = "inspection"
	ResourceTypeChecklist  ResourceType = "checklist"
	ResourceTypeReport     ResourceType = "report"
)

// ResourceCollection 资源类型到存储集合的映射
// 未识别的类型返回false，调用方记录日志后跳过，不作为错误处理
func ResourceCollection(resourceType ResourceType) (string, bool) {
	switch resourceType {
	case ResourceTypeTask:
		return "tasks", true
	case ResourceTypeInspection:
		return "inspection_executions", true
	case ResourceTypeChecklist:
		return "checklist_executions", true
	case ResourceTypeReport:
		return "reports", true
	}
	return "", false
}

// resourceStatusForWorkflowStatus 流程终态到资源状态的映射
// 取消映射到completed而不是cancelled: 资源回到审批前的完成态，这是业务规则
func resourceStatusForWorkflowStatus(status WorkflowStatus) (string, bool) {
	switch status {
	case WorkflowStatusApproved:
		return "approved", true
	case WorkflowStatusRejected:
		return "rejected", true
	case WorkflowStatusCancelled:
		return "completed", true
	}
	return "", false
}

// DefaultStepTimeoutHours 步骤没有配置timeout_hours时的默认超时
const DefaultStepTimeoutHours = 24

// IsClientError 判断是否是调用方错误
// HTTP层用这个把引擎错误翻译成4xx，其余错误按照5xx处理
func IsClientError(err error) bool {
	if err == nil {
		return false
	}
	causeErr := errors.Cause(err)
	if errors.Is(causeErr, ErrTemplateNotFound) ||
		errors.Is(causeErr, ErrTemplateInactive) ||
		errors.Is(causeErr, ErrInvalidTemplate) ||
		errors.Is(causeErr, ErrWorkflowNotFound) ||
		errors.Is(causeErr, ErrInvalidState) ||
		errors.Is(causeErr, ErrUnauthorized) ||
		errors.Is(causeErr, ErrDuplicateWorkflow) ||
		errors.Is(causeErr, ErrInvalidParam) {
		return true
	}
	return false
}
