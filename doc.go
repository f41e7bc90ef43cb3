// Package engine 提供多步审批流程引擎。
//
// 这是一个轻量级的审批流状态机引擎，驱动任意业务资源（任务、巡检、检查单、报告）
// 上的多步骤、按角色审批链，支持审批委托、超时升级和终态资源状态回写。
//
// 主要特性：
//   - 模板驱动：组织维度的审批模板定义有序步骤，每步指定审批角色、范围和会签规则（any/all）
//   - 委托感知：审批人解析时展开当前生效的委托，每次步骤切换都重新解析，从不缓存
//   - 超时升级：步骤超时后把审批人替换成升级角色，由外部调度器周期触发扫描
//   - 状态回写：流程到达终态后把结果同步回触发审批的业务资源
//   - 数据持久化：支持 GORM，可使用 MySQL、PostgreSQL、SQLite 等数据库
//   - 并发安全：实例级锁（本地/Redis）加条件更新，堵住并发审批的步骤双跳
//   - 审计完整：每次审批动作都追加一条不可变的 StepCompletion 记录
//
// 基础使用示例:
//
//	package main
//
//	import (
//	    "context"
//
//	    "github.com/blingmoon/approval-engine/engine"
//	    "gorm.io/driver/sqlite"
//	    "gorm.io/gorm"
//	)
//
//	func main() {
//	    // 1. 初始化数据库
//	    db, _ := gorm.Open(sqlite.Open("approval.db"), &gorm.Config{})
//	    db.AutoMigrate(
//	        &engine.WorkflowTemplatePo{}, &engine.WorkflowInstancePo{},
//	        &engine.RolePo{}, &engine.UserPo{}, &engine.UserRolePo{}, &engine.DelegationPo{},
//	        &engine.TaskPo{}, &engine.InspectionExecutionPo{},
//	        &engine.ChecklistExecutionPo{}, &engine.ReportPo{},
//	    )
//
//	    // 2. 创建审批引擎
//	    approvalEngine := engine.NewApprovalEngine(
//	        engine.NewApprovalRepo(db),
//	        engine.NewDirectoryRepo(db),
//	        engine.NewResourceRepo(db),
//	        engine.NewLocalEngineLock(),
//	        nil, // 默认slog通知器
//	    )
//
//	    // 3. 启动审批
//	    instance, _ := approvalEngine.StartWorkflow(context.Background(), &engine.StartWorkflowReq{
//	        TemplateID:     "tpl-task-approval",
//	        OrganizationID: "org-1",
//	        ResourceType:   engine.ResourceTypeTask,
//	        ResourceID:     "task-1001",
//	        ResourceName:   "月度盘点任务",
//	        CreatedBy:      "user-1",
//	        CreatedByName:  "张三",
//	    })
//
//	    // 4. 审批人操作
//	    _, _ = approvalEngine.ProcessApprovalAction(context.Background(), &engine.ProcessApprovalActionReq{
//	        WorkflowID: instance.ID,
//	        UserID:     "manager-1",
//	        UserName:   "李四",
//	        Action:     engine.ApprovalActionApprove,
//	        Comments:   "同意",
//	    })
//	}
//
// 状态机：
//
//	pending / in_progress / escalated  →  活跃状态，可以继续审批
//	approved / rejected / cancelled    →  终止状态，实例不可再变更
//
// reject 直接终止整个流程；request_changes 把实例转回 pending 但保持打开；
// approve 在会签（all）步骤凑齐所有审批人后推进到下一步，最后一步通过后整个流程批准。
//
// 超时升级由外部调度器（cron等）周期调用 CheckEscalations 驱动，引擎自己不起后台任务。
// 升级是一次性的角色替换，已升级的实例不会再次命中扫描条件。
//
// 更多示例和文档请访问: https://github.com/blingmoon/approval-engine
package engine
