package engine

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// StringSet 以JSON数组落库的字符串集合,用于current_approvers和workflow_types
type StringSet []string

func (s StringSet) Value() (driver.Value, error) {
	if s == nil {
		s = StringSet{}
	}
	return json.Marshal(s)
}

func (s *StringSet) Scan(value any) error {
	if value == nil {
		*s = StringSet{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	}
	return errors.Errorf("StringSet scan unsupported type %T", value)
}

func (s StringSet) Contains(item string) bool {
	for _, v := range s {
		if v == item {
			return true
		}
	}
	return false
}

// AddUnique 去重添加,集合语义,顺序不重要
func (s StringSet) AddUnique(items ...string) StringSet {
	for _, item := range items {
		if !s.Contains(item) {
			s = append(s, item)
		}
	}
	return s
}

// TemplateStep 模板里面的一个审批步骤
type TemplateStep struct {
	StepNumber      int             `json:"step_number"` // 1起始,和数组位置一致
	Name            string          `json:"name"`
	ApproverRole    string          `json:"approver_role"`
	ApproverContext ApproverContext `json:"approver_context"`
	ApprovalType    ApprovalType    `json:"approval_type"`
	TimeoutHours    int64           `json:"timeout_hours"`              // <=0时取DefaultStepTimeoutHours
	EscalateToRole  string          `json:"escalate_to_role,omitempty"` // 为空表示这一步不升级
}

// TimeoutDuration 步骤超时时长,没有配置的默认24小时
func (s *TemplateStep) TimeoutDuration() time.Duration {
	hours := s.TimeoutHours
	if hours <= 0 {
		hours = DefaultStepTimeoutHours
	}
	return time.Duration(hours) * time.Hour
}

// TemplateSteps 模板步骤数组,datatypes.JSONSlice负责JSON列的序列化
type TemplateSteps = datatypes.JSONSlice[*TemplateStep]

// StepCompletion 审批动作的审计记录,只追加,写入后不再修改
type StepCompletion struct {
	StepNumber     int            `json:"step_number"`
	StepName       string         `json:"step_name"`
	ApprovedBy     string         `json:"approved_by"`
	ApprovedByName string         `json:"approved_by_name"`
	Action         ApprovalAction `json:"action"`
	Comments       string         `json:"comments,omitempty"`
	ApprovedAt     int64          `json:"approved_at"`
}

type StepCompletions = datatypes.JSONSlice[*StepCompletion]

// WorkflowTemplatePo 审批模板,按组织维度隔离,引擎执行期间只读
type WorkflowTemplatePo struct {
	ID             string         `gorm:"column:id;primaryKey" json:"id"`
	OrganizationID string         `gorm:"column:organization_id;index" json:"organization_id"`
	Name           string         `gorm:"column:name" json:"name"`
	Active         bool           `gorm:"column:active" json:"active"`
	Steps          TemplateSteps  `gorm:"column:steps;type:json" json:"steps"`
	Labels         datatypes.JSON `gorm:"column:labels;type:json" json:"labels"` // 平台侧的业务标签,引擎不解释
	CreatedAt      int64          `gorm:"column:created_at" json:"created_at"`
	UpdatedAt      int64          `gorm:"column:updated_at" json:"updated_at"`
}

func (WorkflowTemplatePo) TableName() string {
	return "workflow_template"
}

// RolePo 组织内的角色,code在组织内唯一
type RolePo struct {
	ID             string `gorm:"column:id;primaryKey" json:"id"`
	OrganizationID string `gorm:"column:organization_id;index" json:"organization_id"`
	Code           string `gorm:"column:code;index" json:"code"`
	Name           string `gorm:"column:name" json:"name"`
}

func (RolePo) TableName() string {
	return "role"
}

type UserPo struct {
	ID             string `gorm:"column:id;primaryKey" json:"id"`
	OrganizationID string `gorm:"column:organization_id;index" json:"organization_id"`
	Name           string `gorm:"column:name" json:"name"`
	Email          string `gorm:"column:email" json:"email"`
	Active         bool   `gorm:"column:active" json:"active"`
}

func (UserPo) TableName() string {
	return "users"
}

type UserRolePo struct {
	ID             int64  `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	OrganizationID string `gorm:"column:organization_id;index" json:"organization_id"`
	UserID         string `gorm:"column:user_id;index" json:"user_id"`
	RoleID         string `gorm:"column:role_id;index" json:"role_id"`
}

func (UserRolePo) TableName() string {
	return "user_role"
}

// DelegationPo 审批委托,delegator在有效期内把审批权授予delegate
type DelegationPo struct {
	ID             int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	OrganizationID string    `gorm:"column:organization_id;index" json:"organization_id"`
	DelegatorID    string    `gorm:"column:delegator_id;index" json:"delegator_id"`
	DelegateID     string    `gorm:"column:delegate_id" json:"delegate_id"`
	Active         bool      `gorm:"column:active" json:"active"`
	ValidFrom      int64     `gorm:"column:valid_from" json:"valid_from"`
	ValidUntil     int64     `gorm:"column:valid_until" json:"valid_until"`
	WorkflowTypes  StringSet `gorm:"column:workflow_types;type:json" json:"workflow_types"` // 空或者包含all表示对所有流程生效
}

func (DelegationPo) TableName() string {
	return "delegation"
}

// WorkflowInstancePo 审批实例,引擎独占写入
type WorkflowInstancePo struct {
	ID             string `gorm:"column:id;primaryKey" json:"id"`
	OrganizationID string `gorm:"column:organization_id;index" json:"organization_id"`
	TemplateID     string `gorm:"column:template_id;index" json:"template_id"`
	// 模板名称在创建时冗余,模板后续改名不影响历史实例
	TemplateName     string          `gorm:"column:template_name" json:"template_name"`
	ResourceType     ResourceType    `gorm:"column:resource_type;index" json:"resource_type"`
	ResourceID       string          `gorm:"column:resource_id;index" json:"resource_id"`
	ResourceName     string          `gorm:"column:resource_name" json:"resource_name"`
	CurrentStep      int             `gorm:"column:current_step" json:"current_step"` // 1起始
	Status           WorkflowStatus  `gorm:"column:status;index" json:"status"`
	StepsCompleted   StepCompletions `gorm:"column:steps_completed;type:json" json:"steps_completed"`
	CurrentApprovers StringSet       `gorm:"column:current_approvers;type:json" json:"current_approvers"`
	StartedAt        int64           `gorm:"column:started_at" json:"started_at"`
	DueAt            int64           `gorm:"column:due_at;index" json:"due_at"`
	CompletedAt      *int64          `gorm:"column:completed_at" json:"completed_at"`
	CreatedBy        string          `gorm:"column:created_by;index" json:"created_by"`
	CreatedByName    string          `gorm:"column:created_by_name" json:"created_by_name"`
	UpdatedAt        int64           `gorm:"column:updated_at" json:"updated_at"`
}

func (WorkflowInstancePo) TableName() string {
	return "workflow_instance"
}

type QueryWorkflowInstanceParams struct {
	WorkflowInstanceID  *string  `json:"workflow_instance_id"`
	OrganizationID      *string  `json:"organization_id"`
	TemplateID          *string  `json:"template_id"`
	ResourceType        *string  `json:"resource_type"`
	ResourceID          *string  `json:"resource_id"`
	StatusIn            []string `json:"status_in"`
	CreatedBy           *string  `json:"created_by"`
	DueBefore           *int64   `json:"due_before"`
	OrderbyStartedAtAsc *bool    `json:"orderby_started_at_asc"`
	Page                *Pager   `json:"page"`
}

type Pager struct {
	IsNoLimit *bool `json:"is_no_limit"`
	Page      int64 `json:"page"`
	Size      int64 `json:"size"`
}

type UpdateWorkflowInstanceParams struct {
	Where    *UpdateWorkflowInstanceWhere `json:"where" validate:"required"`
	Fields   *UpdateWorkflowInstanceField `json:"field" validate:"required"`
	LimitMax int                          `json:"limit_max" validate:"required"`
}

// UpdateWorkflowInstanceWhere 除id外的条件用于乐观并发检查:
// 更新时带上读取到的status和current_step,没有命中说明被并发修改了
type UpdateWorkflowInstanceWhere struct {
	IDIn          []string `json:"id_in"`
	StatusIn      []string `json:"status_in"`
	CurrentStepIn []int    `json:"current_step_in"`
}

type UpdateWorkflowInstanceField struct {
	Status           *string          `json:"status"`
	CurrentStep      *int             `json:"current_step"`
	CurrentApprovers *StringSet       `json:"current_approvers"`
	StepsCompleted   *StepCompletions `json:"steps_completed"`
	DueAt            *int64           `json:"due_at"`
	CompletedAt      *int64           `json:"completed_at"`
}

type approvalRepo struct {
	db *gorm.DB
}

func NewApprovalRepo(db *gorm.DB) ApprovalRepo {
	return &approvalRepo{
		db: db,
	}
}

func (r *approvalRepo) CreateWorkflowInstance(ctx context.Context, workflowInstance *WorkflowInstancePo) (*WorkflowInstancePo, error) {
	if workflowInstance == nil {
		return nil, fmt.Errorf("nil WorkflowInstancePo")
	}
	workflowInstance.UpdatedAt = time.Now().Unix()
	if err := r.GetDBWithContext(ctx).Create(workflowInstance).Error; err != nil {
		return nil, errors.WithMessage(err, "CreateWorkflowInstance failed")
	}
	return workflowInstance, nil
}

func buildQueryWorkflowInstanceParams(db *gorm.DB, isCount bool, param *QueryWorkflowInstanceParams) (*gorm.DB, error) {
	if param == nil {
		return nil, errors.New("nil QueryWorkflowInstanceParams")
	}
	if param.WorkflowInstanceID != nil {
		db = db.Where("id = ?", param.WorkflowInstanceID)
	}
	if param.OrganizationID != nil {
		db = db.Where("organization_id = ?", param.OrganizationID)
	}
	if param.TemplateID != nil {
		db = db.Where("template_id = ?", param.TemplateID)
	}
	if param.ResourceType != nil {
		db = db.Where("resource_type = ?", param.ResourceType)
	}
	if param.ResourceID != nil {
		db = db.Where("resource_id = ?", param.ResourceID)
	}
	if len(param.StatusIn) != 0 {
		db = db.Where("status IN ?", param.StatusIn)
	}
	if param.CreatedBy != nil {
		db = db.Where("created_by = ?", param.CreatedBy)
	}
	if param.DueBefore != nil {
		db = db.Where("due_at < ?", param.DueBefore)
	}
	if param.OrderbyStartedAtAsc != nil && !isCount {
		// 排序处理
		if *param.OrderbyStartedAtAsc {
			db = db.Order("started_at asc")
		} else {
			db = db.Order("started_at desc")
		}
	}
	if !isCount {
		if param.Page == nil {
			return nil, errors.New("page is nil")
		}
		if param.Page.IsNoLimit != nil && *param.Page.IsNoLimit {
			// 不分页显示指定了true
			return db, nil
		}
		if param.Page.Page == 0 {
			param.Page.Page = 1
		}
		if param.Page.Size == 0 {
			param.Page.Size = 10
		}
		db = db.Offset(int(param.Page.Page-1) * int(param.Page.Size)).Limit(int(param.Page.Size))
	}
	return db, nil
}

func (r *approvalRepo) QueryWorkflowInstance(ctx context.Context, param *QueryWorkflowInstanceParams) ([]*WorkflowInstancePo, error) {
	if param == nil {
		return nil, fmt.Errorf("nil QueryWorkflowInstanceParams")
	}
	db := r.GetDBWithContext(ctx).Model(&WorkflowInstancePo{})
	db, err := buildQueryWorkflowInstanceParams(db, false, param)
	if err != nil {
		return nil, errors.WithMessage(err, "buildQueryWorkflowInstanceParams failed")
	}
	pos := make([]*WorkflowInstancePo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryWorkflowInstance failed")
	}
	return pos, nil
}

func (r *approvalRepo) CountWorkflowInstance(ctx context.Context, param *QueryWorkflowInstanceParams) (int64, error) {
	if param == nil {
		return 0, fmt.Errorf("nil QueryWorkflowInstanceParams")
	}
	db := r.GetDBWithContext(ctx).Model(&WorkflowInstancePo{})
	db, err := buildQueryWorkflowInstanceParams(db, true, param)
	if err != nil {
		return 0, errors.WithMessage(err, "buildQueryWorkflowInstanceParams failed")
	}
	var count int64
	if err := db.Count(&count).Error; err != nil {
		return 0, errors.WithMessage(err, "CountWorkflowInstance failed")
	}
	return count, nil
}

func buildUpdateWorkflowInstanceParams(db *gorm.DB, param *UpdateWorkflowInstanceParams) (*gorm.DB, error) {
	isHasWhere := false
	if param == nil {
		return nil, errors.New("nil UpdateWorkflowInstanceParams")
	}
	if param.Where == nil {
		return nil, errors.New("where is nil")
	}
	if param.Fields == nil {
		return nil, errors.New("fields is nil")
	}
	if len(param.Where.IDIn) > 0 {
		isHasWhere = true
		db = db.Where("id IN ?", param.Where.IDIn)
	}
	if len(param.Where.StatusIn) > 0 {
		isHasWhere = true
		db = db.Where("status IN ?", param.Where.StatusIn)
	}
	if len(param.Where.CurrentStepIn) > 0 {
		isHasWhere = true
		db = db.Where("current_step IN ?", param.Where.CurrentStepIn)
	}
	if !isHasWhere {
		return db, errors.New("update workflow instance need where condition, please check")
	}
	return db, nil
}

func buildUpdateWorkflowInstanceFields(fields *UpdateWorkflowInstanceField) (map[string]any, error) {
	updateFields := make(map[string]any)
	if fields.Status != nil {
		updateFields["status"] = *fields.Status
	}
	if fields.CurrentStep != nil {
		updateFields["current_step"] = *fields.CurrentStep
	}
	if fields.CurrentApprovers != nil {
		jsonData, err := json.Marshal(*fields.CurrentApprovers)
		if err != nil {
			return nil, errors.WithMessage(err, "Marshal fields.CurrentApprovers failed")
		}
		updateFields["current_approvers"] = jsonData
	}
	if fields.StepsCompleted != nil {
		jsonData, err := json.Marshal(*fields.StepsCompleted)
		if err != nil {
			return nil, errors.WithMessage(err, "Marshal fields.StepsCompleted failed")
		}
		updateFields["steps_completed"] = jsonData
	}
	if fields.DueAt != nil {
		updateFields["due_at"] = *fields.DueAt
	}
	if fields.CompletedAt != nil {
		updateFields["completed_at"] = *fields.CompletedAt
	}
	if len(updateFields) == 0 {
		return nil, errors.New("no fields to update")
	}
	updateFields["updated_at"] = time.Now().Unix()
	return updateFields, nil
}

func (r *approvalRepo) UpdateWorkflowInstance(ctx context.Context, param *UpdateWorkflowInstanceParams) (int64, error) {
	if param == nil {
		return 0, fmt.Errorf("nil UpdateWorkflowInstanceParams")
	}
	db := r.GetDBWithContext(ctx).Model(&WorkflowInstancePo{})
	db, err := buildUpdateWorkflowInstanceParams(db, param)
	if err != nil {
		return 0, errors.WithMessage(err, "buildUpdateWorkflowInstanceParams failed")
	}
	updateFields, err := buildUpdateWorkflowInstanceFields(param.Fields)
	if err != nil {
		return 0, errors.WithMessage(err, "buildUpdateWorkflowInstanceFields failed")
	}
	result := db.Limit(param.LimitMax).Updates(updateFields)
	if result.Error != nil {
		return 0, errors.WithMessage(result.Error, "UpdateWorkflowInstance failed")
	}
	return result.RowsAffected, nil
}

type contextKey string

const (
	transactionContextKey contextKey = "transaction"
)

// getDBWithContext 事务里的调用拿到同一个tx,实例更新和资源回写才能在一个事务里提交
func getDBWithContext(ctx context.Context, db *gorm.DB) *gorm.DB {
	tx := ctx.Value(transactionContextKey)
	if tx == nil {
		// 没有事务，直接返回即可
		return db.WithContext(ctx)
	}
	return tx.(*gorm.DB)
}

func (r *approvalRepo) GetDBWithContext(ctx context.Context) *gorm.DB {
	return getDBWithContext(ctx, r.db)
}

func (r *approvalRepo) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	ctxTX := ctx.Value(transactionContextKey)
	var err error
	if ctxTX == nil {
		tx := r.db.Begin()
		defer func() {
			if err != nil {
				tx.Rollback()
			} else {
				tx.Commit()
			}
		}()
		newCtx := context.WithValue(ctx, transactionContextKey, tx)
		err = fn(newCtx)
		return err
	}
	return fn(ctx)
}
