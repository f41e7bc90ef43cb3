package commonregister

import (
	"context"
	"time"

	"github.com/blingmoon/approval-engine/engine"
	"github.com/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const DefaultTaskApprovalTemplateID = "tpl-task-approval-default"

// RegisterDefaultApprovalTemplate 注册默认的两步任务审批模板
// 结构：经理审批（any，24小时超时后升级到supervisor）-> 总监会签（all，48小时）
// 模板已经存在时直接返回,不覆盖
func RegisterDefaultApprovalTemplate(ctx context.Context, db *gorm.DB, organizationID string) error {
	if organizationID == "" {
		return errors.New("organizationID is empty")
	}

	existing := &engine.WorkflowTemplatePo{}
	err := db.WithContext(ctx).
		Where("id = ? AND organization_id = ?", DefaultTaskApprovalTemplateID, organizationID).
		First(existing).Error
	if err == nil {
		// 已经注册过了
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.Wrap(err, "query default template failed")
	}

	now := time.Now().Unix()
	template := &engine.WorkflowTemplatePo{
		ID:             DefaultTaskApprovalTemplateID,
		OrganizationID: organizationID,
		Name:           "任务审批流程",
		Active:         true,
		// 平台侧按标签筛选模板,引擎本身不解释内容
		Labels: datatypes.JSON(`{"category":"task","origin":"system"}`),
		Steps: engine.TemplateSteps{
			{
				StepNumber:      1,
				Name:            "经理审批",
				ApproverRole:    "manager",
				ApproverContext: engine.ApproverContextOrganization,
				ApprovalType:    engine.ApprovalTypeAny,
				TimeoutHours:    24,
				EscalateToRole:  "supervisor",
			},
			{
				StepNumber:      2,
				Name:            "总监会签",
				ApproverRole:    "director",
				ApproverContext: engine.ApproverContextOrganization,
				ApprovalType:    engine.ApprovalTypeAll,
				TimeoutHours:    48,
			},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := db.WithContext(ctx).Create(template).Error; err != nil {
		return errors.Wrap(err, "create default template failed")
	}
	return nil
}
