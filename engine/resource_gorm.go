package engine

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// 业务资源的最小落库结构,平台侧还有别的字段,引擎只回写状态相关的列

type TaskPo struct {
	ID             string `gorm:"column:id;primaryKey" json:"id"`
	OrganizationID string `gorm:"column:organization_id;index" json:"organization_id"`
	Name           string `gorm:"column:name" json:"name"`
	Status         string `gorm:"column:status" json:"status"`
	WorkflowStatus string `gorm:"column:workflow_status" json:"workflow_status"`
	ApprovedAt     *int64 `gorm:"column:approved_at" json:"approved_at"`
	RejectedAt     *int64 `gorm:"column:rejected_at" json:"rejected_at"`
	UpdatedAt      int64  `gorm:"column:updated_at" json:"updated_at"`
}

func (TaskPo) TableName() string {
	return "tasks"
}

type InspectionExecutionPo struct {
	ID             string `gorm:"column:id;primaryKey" json:"id"`
	OrganizationID string `gorm:"column:organization_id;index" json:"organization_id"`
	Name           string `gorm:"column:name" json:"name"`
	Status         string `gorm:"column:status" json:"status"`
	WorkflowStatus string `gorm:"column:workflow_status" json:"workflow_status"`
	ApprovedAt     *int64 `gorm:"column:approved_at" json:"approved_at"`
	RejectedAt     *int64 `gorm:"column:rejected_at" json:"rejected_at"`
	UpdatedAt      int64  `gorm:"column:updated_at" json:"updated_at"`
}

func (InspectionExecutionPo) TableName() string {
	return "inspection_executions"
}

type ChecklistExecutionPo struct {
	ID             string `gorm:"column:id;primaryKey" json:"id"`
	OrganizationID string `gorm:"column:organization_id;index" json:"organization_id"`
	Name           string `gorm:"column:name" json:"name"`
	Status         string `gorm:"column:status" json:"status"`
	WorkflowStatus string `gorm:"column:workflow_status" json:"workflow_status"`
	ApprovedAt     *int64 `gorm:"column:approved_at" json:"approved_at"`
	RejectedAt     *int64 `gorm:"column:rejected_at" json:"rejected_at"`
	UpdatedAt      int64  `gorm:"column:updated_at" json:"updated_at"`
}

func (ChecklistExecutionPo) TableName() string {
	return "checklist_executions"
}

type ReportPo struct {
	ID             string `gorm:"column:id;primaryKey" json:"id"`
	OrganizationID string `gorm:"column:organization_id;index" json:"organization_id"`
	Name           string `gorm:"column:name" json:"name"`
	Status         string `gorm:"column:status" json:"status"`
	WorkflowStatus string `gorm:"column:workflow_status" json:"workflow_status"`
	ApprovedAt     *int64 `gorm:"column:approved_at" json:"approved_at"`
	RejectedAt     *int64 `gorm:"column:rejected_at" json:"rejected_at"`
	UpdatedAt      int64  `gorm:"column:updated_at" json:"updated_at"`
}

func (ReportPo) TableName() string {
	return "reports"
}

type resourceRepo struct {
	db *gorm.DB
}

func NewResourceRepo(db *gorm.DB) ResourceRepo {
	return &resourceRepo{
		db: db,
	}
}

// UpdateResourceStatus 按id更新资源的状态字段
// 资源已经被删除时命中0行,不作为错误,流程自己的终态才是权威记录
func (r *resourceRepo) UpdateResourceStatus(ctx context.Context, collection string, resourceID string, fields map[string]any) error {
	if collection == "" || resourceID == "" {
		return fmt.Errorf("empty collection or resourceID")
	}
	if len(fields) == 0 {
		return errors.New("no fields to update")
	}
	if err := getDBWithContext(ctx, r.db).Table(collection).Where("id = ?", resourceID).Updates(fields).Error; err != nil {
		return errors.WithMessagef(err, "UpdateResourceStatus failed, collection: %s, resourceID: %s", collection, resourceID)
	}
	return nil
}
