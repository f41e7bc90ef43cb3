package tests

import (
	"context"
	"testing"
	"time"

	"github.com/blingmoon/approval-engine/engine"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func seedDelegation(t *testing.T, db *gorm.DB, delegatorID string, delegateID string, active bool, validFrom int64, validUntil int64, workflowTypes engine.StringSet) {
	require.NoError(t, db.Create(&engine.DelegationPo{
		OrganizationID: testOrgID,
		DelegatorID:    delegatorID,
		DelegateID:     delegateID,
		Active:         active,
		ValidFrom:      validFrom,
		ValidUntil:     validUntil,
		WorkflowTypes:  workflowTypes,
	}).Error)
}

// forceOverdue 把实例的due_at改到过去,模拟超时
func forceOverdue(t *testing.T, db *gorm.DB, workflowID string) {
	require.NoError(t, db.Model(&engine.WorkflowInstancePo{}).
		Where("id = ?", workflowID).
		Update("due_at", time.Now().Unix()-3600).Error)
}

func approve(t *testing.T, approvalEngine engine.ApprovalEngine, workflowID string, userID string) *engine.WorkflowInstance {
	updated, err := approvalEngine.ProcessApprovalAction(context.Background(), &engine.ProcessApprovalActionReq{
		WorkflowID: workflowID,
		UserID:     userID,
		UserName:   userID,
		Action:     engine.ApprovalActionApprove,
	})
	require.NoError(t, err)
	return updated
}

// TestAllQuorumApproval 测试会签步骤的凑齐逻辑
func TestAllQuorumApproval(t *testing.T) {
	approvalEngine, db := setupTestEngine(t)

	seedRoleWithUsers(t, db, "role-d", "director", "user-d1", "user-d2")
	seedUser(t, db, "user-creator", true)
	seedTemplate(t, db, "tpl-all", true, engine.TemplateSteps{
		&engine.TemplateStep{
			StepNumber:      1,
			Name:            "会签",
			ApproverRole:    "director",
			ApproverContext: engine.ApproverContextOrganization,
			ApprovalType:    engine.ApprovalTypeAll,
			TimeoutHours:    24,
		},
	})
	seedTask(t, db, "task-all")

	instance := startTaskWorkflow(t, approvalEngine, "tpl-all", "task-all")
	require.ElementsMatch(t, []string{"user-d1", "user-d2"}, instance.CurrentApprovers)

	t.Run("第一个人通过后流程不动但落审计", func(t *testing.T) {
		updated := approve(t, approvalEngine, instance.ID, "user-d1")
		assert.Equal(t, engine.WorkflowStatusInProgress, updated.Status)
		assert.Equal(t, 1, updated.CurrentStep)
		require.Len(t, updated.StepsCompleted, 1)
	})

	t.Run("同一个人重复通过不能凑齐", func(t *testing.T) {
		updated := approve(t, approvalEngine, instance.ID, "user-d1")
		assert.Equal(t, engine.WorkflowStatusInProgress, updated.Status)
		require.Len(t, updated.StepsCompleted, 2)
	})

	t.Run("全部审批人通过后流程批准", func(t *testing.T) {
		updated := approve(t, approvalEngine, instance.ID, "user-d2")
		assert.Equal(t, engine.WorkflowStatusApproved, updated.Status)
		// 空转审批也都留在审计里
		require.Len(t, updated.StepsCompleted, 3)
	})
}

// TestMultiStepAdvance 测试多步推进和审批人重新解析
func TestMultiStepAdvance(t *testing.T) {
	approvalEngine, db := setupTestEngine(t)
	ctx := context.Background()

	seedRoleWithUsers(t, db, "role-m", "manager", "user-m1")
	seedRoleWithUsers(t, db, "role-d", "director", "user-d1", "user-d2")
	seedUser(t, db, "user-creator", true)
	seedTemplate(t, db, "tpl-two", true, engine.TemplateSteps{
		&engine.TemplateStep{
			StepNumber:      1,
			Name:            "经理审批",
			ApproverRole:    "manager",
			ApproverContext: engine.ApproverContextOrganization,
			ApprovalType:    engine.ApprovalTypeAny,
			TimeoutHours:    24,
		},
		&engine.TemplateStep{
			StepNumber:      2,
			Name:            "总监会签",
			ApproverRole:    "director",
			ApproverContext: engine.ApproverContextOrganization,
			ApprovalType:    engine.ApprovalTypeAll,
			TimeoutHours:    48,
		},
	})
	seedTask(t, db, "task-two")

	instance := startTaskWorkflow(t, approvalEngine, "tpl-two", "task-two")
	firstDueAt := instance.DueAt

	t.Run("第一步通过后进入第二步并重新解析审批人", func(t *testing.T) {
		updated := approve(t, approvalEngine, instance.ID, "user-m1")
		assert.Equal(t, engine.WorkflowStatusInProgress, updated.Status)
		assert.Equal(t, 2, updated.CurrentStep)
		assert.ElementsMatch(t, []string{"user-d1", "user-d2"}, updated.CurrentApprovers)
		// 48小时超时按进入第二步的时间重算
		assert.Greater(t, updated.DueAt, firstDueAt)
	})

	t.Run("第一步的审批人在第二步没有权限", func(t *testing.T) {
		_, err := approvalEngine.ProcessApprovalAction(ctx, &engine.ProcessApprovalActionReq{
			WorkflowID: instance.ID,
			UserID:     "user-m1",
			Action:     engine.ApprovalActionApprove,
		})
		assert.True(t, errors.Is(errors.Cause(err), engine.ErrUnauthorized))
	})

	t.Run("第二步会签凑齐后整个流程批准", func(t *testing.T) {
		approve(t, approvalEngine, instance.ID, "user-d1")
		updated := approve(t, approvalEngine, instance.ID, "user-d2")
		assert.Equal(t, engine.WorkflowStatusApproved, updated.Status)
		// 步骤1一条 + 步骤2两条
		require.Len(t, updated.StepsCompleted, 3)
		assert.Equal(t, 1, updated.StepsCompleted[0].StepNumber)
		assert.Equal(t, 2, updated.StepsCompleted[1].StepNumber)
		assert.Equal(t, 2, updated.StepsCompleted[2].StepNumber)
	})
}

// TestDelegationExpansion 测试委托展开
func TestDelegationExpansion(t *testing.T) {
	approvalEngine, db := setupTestEngine(t)
	now := time.Now().Unix()

	seedRoleWithUsers(t, db, "role-m", "manager", "user-m1")
	seedUser(t, db, "user-creator", true)
	seedUser(t, db, "user-delegate", true)
	seedUser(t, db, "user-expired-delegate", true)
	seedUser(t, db, "user-scoped-delegate", true)
	seedTemplate(t, db, "tpl-1", true, singleAnyStep("manager"))

	// 生效的全类型委托
	seedDelegation(t, db, "user-m1", "user-delegate", true, now-3600, now+3600, engine.StringSet{"all"})
	// 已过期的委托
	seedDelegation(t, db, "user-m1", "user-expired-delegate", true, now-7200, now-3600, engine.StringSet{"all"})
	// 只覆盖特定流程类型的委托,引擎只认空或者all
	seedDelegation(t, db, "user-m1", "user-scoped-delegate", true, now-3600, now+3600, engine.StringSet{"expense"})

	seedTask(t, db, "task-del")
	instance := startTaskWorkflow(t, approvalEngine, "tpl-1", "task-del")

	t.Run("生效委托的delegate进入审批人集合", func(t *testing.T) {
		assert.ElementsMatch(t, []string{"user-m1", "user-delegate"}, instance.CurrentApprovers)
	})

	t.Run("delegate可以代替delegator审批", func(t *testing.T) {
		updated := approve(t, approvalEngine, instance.ID, "user-delegate")
		assert.Equal(t, engine.WorkflowStatusApproved, updated.Status)
		assert.Equal(t, "user-delegate", updated.StepsCompleted[0].ApprovedBy)
	})

	t.Run("空workflow_types的委托对所有流程生效", func(t *testing.T) {
		seedUser(t, db, "user-empty-delegate", true)
		seedDelegation(t, db, "user-m1", "user-empty-delegate", true, now-3600, now+3600, engine.StringSet{})
		seedTask(t, db, "task-del2")
		second := startTaskWorkflow(t, approvalEngine, "tpl-1", "task-del2")
		assert.Contains(t, second.CurrentApprovers, "user-empty-delegate")
		assert.NotContains(t, second.CurrentApprovers, "user-expired-delegate")
		assert.NotContains(t, second.CurrentApprovers, "user-scoped-delegate")
	})
}

// TestOwnApproverContext 测试own上下文只解析创建人
func TestOwnApproverContext(t *testing.T) {
	approvalEngine, db := setupTestEngine(t)

	seedRoleWithUsers(t, db, "role-m", "manager", "user-m1")
	seedUser(t, db, "user-creator", true)
	seedTemplate(t, db, "tpl-own", true, engine.TemplateSteps{
		&engine.TemplateStep{
			StepNumber:      1,
			Name:            "自审确认",
			ApproverRole:    "manager",
			ApproverContext: engine.ApproverContextOwn,
			ApprovalType:    engine.ApprovalTypeAny,
			TimeoutHours:    24,
		},
	})
	seedTask(t, db, "task-own")

	instance := startTaskWorkflow(t, approvalEngine, "tpl-own", "task-own")
	assert.Equal(t, []string{"user-creator"}, instance.CurrentApprovers)
}

// TestEscalation 测试超时升级
func TestEscalation(t *testing.T) {
	approvalEngine, db := setupTestEngine(t)
	ctx := context.Background()

	seedRoleWithUsers(t, db, "role-m", "manager", "user-m1")
	seedRoleWithUsers(t, db, "role-s", "supervisor", "user-s1", "user-s2")
	seedUser(t, db, "user-creator", true)
	seedUser(t, db, "user-m1-delegate", true)
	seedDelegation(t, db, "user-s1", "user-m1-delegate", true, time.Now().Unix()-3600, time.Now().Unix()+3600, engine.StringSet{"all"})
	seedTemplate(t, db, "tpl-esc", true, engine.TemplateSteps{
		&engine.TemplateStep{
			StepNumber:      1,
			Name:            "经理审批",
			ApproverRole:    "manager",
			ApproverContext: engine.ApproverContextOrganization,
			ApprovalType:    engine.ApprovalTypeAny,
			TimeoutHours:    24,
			EscalateToRole:  "supervisor",
		},
	})
	seedTask(t, db, "task-esc")

	instance := startTaskWorkflow(t, approvalEngine, "tpl-esc", "task-esc")

	t.Run("未超时的实例不会被升级", func(t *testing.T) {
		escalated, err := approvalEngine.CheckEscalations(ctx)
		require.NoError(t, err)
		assert.Empty(t, escalated)
	})

	t.Run("超时实例升级给升级角色成员", func(t *testing.T) {
		forceOverdue(t, db, instance.ID)
		escalated, err := approvalEngine.CheckEscalations(ctx)
		require.NoError(t, err)
		require.Len(t, escalated, 1)
		assert.Equal(t, instance.ID, escalated[0].ID)
		assert.Equal(t, engine.WorkflowStatusEscalated, escalated[0].Status)
		assert.Equal(t, 1, escalated[0].CurrentStep)
		// 升级目标不展开委托
		assert.ElementsMatch(t, []string{"user-s1", "user-s2"}, escalated[0].CurrentApprovers)
		// 新审批人从升级时刻重新计时,due_at不能还是过期的
		assert.Greater(t, escalated[0].DueAt, time.Now().Unix())
	})

	t.Run("升级是一次性的,再次扫描不命中", func(t *testing.T) {
		escalated, err := approvalEngine.CheckEscalations(ctx)
		require.NoError(t, err)
		assert.Empty(t, escalated)
	})

	t.Run("原审批人升级后失去权限", func(t *testing.T) {
		_, err := approvalEngine.ProcessApprovalAction(ctx, &engine.ProcessApprovalActionReq{
			WorkflowID: instance.ID,
			UserID:     "user-m1",
			Action:     engine.ApprovalActionApprove,
		})
		assert.True(t, errors.Is(errors.Cause(err), engine.ErrUnauthorized))
	})

	t.Run("升级后的实例仍然可以审批", func(t *testing.T) {
		updated := approve(t, approvalEngine, instance.ID, "user-s1")
		assert.Equal(t, engine.WorkflowStatusApproved, updated.Status)
	})
}

// TestEscalationWithoutRole 没有配置升级角色的步骤保持原状
func TestEscalationWithoutRole(t *testing.T) {
	approvalEngine, db := setupTestEngine(t)
	ctx := context.Background()

	seedRoleWithUsers(t, db, "role-m", "manager", "user-m1")
	seedUser(t, db, "user-creator", true)
	seedTemplate(t, db, "tpl-noesc", true, singleAnyStep("manager"))
	seedTask(t, db, "task-noesc")

	instance := startTaskWorkflow(t, approvalEngine, "tpl-noesc", "task-noesc")
	forceOverdue(t, db, instance.ID)

	escalated, err := approvalEngine.CheckEscalations(ctx)
	require.NoError(t, err)
	assert.Empty(t, escalated)

	current, err := approvalEngine.GetWorkflow(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.WorkflowStatusInProgress, current.Status)
	assert.Equal(t, []string{"user-m1"}, current.CurrentApprovers)
}

// TestCancelWorkflow 测试强制取消
func TestCancelWorkflow(t *testing.T) {
	approvalEngine, db := setupTestEngine(t)
	ctx := context.Background()

	seedRoleWithUsers(t, db, "role-m", "manager", "user-m1")
	seedUser(t, db, "user-creator", true)
	seedUser(t, db, "user-admin", true)
	seedTemplate(t, db, "tpl-1", true, singleAnyStep("manager"))
	seedTask(t, db, "task-cancel")

	instance := startTaskWorkflow(t, approvalEngine, "tpl-1", "task-cancel")

	t.Run("非审批人也可以取消", func(t *testing.T) {
		cancelled, err := approvalEngine.CancelWorkflow(ctx, &engine.CancelWorkflowReq{
			WorkflowID: instance.ID,
			UserID:     "user-admin",
			Reason:     "任务作废",
		})
		require.NoError(t, err)
		assert.Equal(t, engine.WorkflowStatusCancelled, cancelled.Status)
		require.NotNil(t, cancelled.CompletedAt)
		require.Len(t, cancelled.StepsCompleted, 1)
		assert.Equal(t, engine.ApprovalActionCancel, cancelled.StepsCompleted[0].Action)
		assert.Equal(t, "任务作废", cancelled.StepsCompleted[0].Comments)
		// 取消记录带上被取消时所在步骤的模板步骤名
		assert.Equal(t, "审批", cancelled.StepsCompleted[0].StepName)
	})

	t.Run("取消把资源状态回写为completed", func(t *testing.T) {
		task := &engine.TaskPo{}
		require.NoError(t, db.Where("id = ?", "task-cancel").First(task).Error)
		assert.Equal(t, "completed", task.Status)
		assert.Equal(t, engine.WorkflowStatusCancelled, task.WorkflowStatus)
		assert.Nil(t, task.ApprovedAt)
		assert.Nil(t, task.RejectedAt)
	})

	t.Run("终态实例不能重复取消", func(t *testing.T) {
		_, err := approvalEngine.CancelWorkflow(ctx, &engine.CancelWorkflowReq{
			WorkflowID: instance.ID,
			UserID:     "user-admin",
		})
		assert.True(t, errors.Is(errors.Cause(err), engine.ErrInvalidState))
	})
}

// TestQueryAndCount 测试实例查询接口
func TestQueryAndCount(t *testing.T) {
	approvalEngine, db := setupTestEngine(t)
	ctx := context.Background()

	seedRoleWithUsers(t, db, "role-m", "manager", "user-m1")
	seedUser(t, db, "user-creator", true)
	seedTemplate(t, db, "tpl-1", true, singleAnyStep("manager"))
	seedTask(t, db, "task-q1")
	seedTask(t, db, "task-q2")

	first := startTaskWorkflow(t, approvalEngine, "tpl-1", "task-q1")
	startTaskWorkflow(t, approvalEngine, "tpl-1", "task-q2")

	t.Run("按资源查询活跃实例", func(t *testing.T) {
		active, err := approvalEngine.FindActiveByResource(ctx, engine.ResourceTypeTask, "task-q1")
		require.NoError(t, err)
		require.NotNil(t, active)
		assert.Equal(t, first.ID, active.ID)
	})

	t.Run("完成后资源上没有活跃实例", func(t *testing.T) {
		approve(t, approvalEngine, first.ID, "user-m1")
		active, err := approvalEngine.FindActiveByResource(ctx, engine.ResourceTypeTask, "task-q1")
		require.NoError(t, err)
		assert.Nil(t, active)
	})

	t.Run("按状态统计", func(t *testing.T) {
		inProgress, err := approvalEngine.CountWorkflowInstance(ctx, &engine.QueryWorkflowInstanceParams{
			StatusIn: []string{engine.WorkflowStatusInProgress},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), inProgress)

		approved, err := approvalEngine.CountWorkflowInstance(ctx, &engine.QueryWorkflowInstanceParams{
			StatusIn: []string{engine.WorkflowStatusApproved},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), approved)
	})

	t.Run("分页查询", func(t *testing.T) {
		orgID := testOrgID
		instances, err := approvalEngine.QueryWorkflowInstance(ctx, &engine.QueryWorkflowInstanceParams{
			OrganizationID: &orgID,
			Page: &engine.Pager{
				Page: 1,
				Size: 10,
			},
		})
		require.NoError(t, err)
		assert.Len(t, instances, 2)
	})
}

// failingResourceRepo 资源回写永远失败的存根
type failingResourceRepo struct {
}

func (failingResourceRepo) UpdateResourceStatus(ctx context.Context, collection string, resourceID string, fields map[string]any) error {
	return errors.New("resource store unavailable")
}

// TestFinalizeRollback 资源回写失败时终态写入一起回滚
func TestFinalizeRollback(t *testing.T) {
	_, db := setupTestEngine(t)
	ctx := context.Background()

	approvalEngine := engine.NewApprovalEngine(
		engine.NewApprovalRepo(db),
		engine.NewDirectoryRepo(db),
		failingResourceRepo{},
		engine.NewLocalEngineLock(),
		nil,
	)

	seedRoleWithUsers(t, db, "role-m", "manager", "user-m1")
	seedUser(t, db, "user-creator", true)
	seedTemplate(t, db, "tpl-1", true, singleAnyStep("manager"))
	seedTask(t, db, "task-rb")

	instance := startTaskWorkflow(t, approvalEngine, "tpl-1", "task-rb")

	_, err := approvalEngine.ProcessApprovalAction(ctx, &engine.ProcessApprovalActionReq{
		WorkflowID: instance.ID,
		UserID:     "user-m1",
		Action:     engine.ApprovalActionApprove,
	})
	require.Error(t, err)

	// 实例回滚到审批前的状态,审计记录也没有落下
	current, err := approvalEngine.GetWorkflow(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.WorkflowStatusInProgress, current.Status)
	assert.Nil(t, current.CompletedAt)
	assert.Empty(t, current.StepsCompleted)

	// 回滚后同一个审批人可以重试
	task := &engine.TaskPo{}
	require.NoError(t, db.Where("id = ?", "task-rb").First(task).Error)
	assert.Equal(t, "needs_approval", task.Status)
}

// TestInactiveUserExcluded 停用的用户不进入审批人集合
func TestInactiveUserExcluded(t *testing.T) {
	approvalEngine, db := setupTestEngine(t)

	seedRoleWithUsers(t, db, "role-m", "manager", "user-active")
	seedUser(t, db, "user-inactive", false)
	require.NoError(t, db.Create(&engine.UserRolePo{
		OrganizationID: testOrgID,
		UserID:         "user-inactive",
		RoleID:         "role-m",
	}).Error)
	seedUser(t, db, "user-creator", true)
	seedTemplate(t, db, "tpl-1", true, singleAnyStep("manager"))
	seedTask(t, db, "task-inactive")

	instance := startTaskWorkflow(t, approvalEngine, "tpl-1", "task-inactive")
	assert.Equal(t, []string{"user-active"}, instance.CurrentApprovers)
}
