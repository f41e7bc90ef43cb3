package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const approvalOpLockTime = 10 * time.Minute

func approvalOpLockKey(workflowID string) string {
	return fmt.Sprintf("approval_workflow_execute_%s", workflowID)
}

// poToWorkflowInstance 转成对外entity,切片复制一份,不泄漏内部引用
func poToWorkflowInstance(po *WorkflowInstancePo) *WorkflowInstance {
	stepsCompleted := make([]*StepCompletion, 0, len(po.StepsCompleted))
	for _, completion := range po.StepsCompleted {
		copied := *completion
		stepsCompleted = append(stepsCompleted, &copied)
	}
	currentApprovers := make([]string, len(po.CurrentApprovers))
	copy(currentApprovers, po.CurrentApprovers)
	var completedAt *int64
	if po.CompletedAt != nil {
		v := *po.CompletedAt
		completedAt = &v
	}
	return &WorkflowInstance{
		ID:               po.ID,
		OrganizationID:   po.OrganizationID,
		TemplateID:       po.TemplateID,
		TemplateName:     po.TemplateName,
		ResourceType:     po.ResourceType,
		ResourceID:       po.ResourceID,
		ResourceName:     po.ResourceName,
		CurrentStep:      po.CurrentStep,
		Status:           po.Status,
		StepsCompleted:   stepsCompleted,
		CurrentApprovers: currentApprovers,
		StartedAt:        po.StartedAt,
		DueAt:            po.DueAt,
		CompletedAt:      completedAt,
		CreatedBy:        po.CreatedBy,
		CreatedByName:    po.CreatedByName,
		UpdatedAt:        po.UpdatedAt,
	}
}

func (s *ApprovalEngineImpl) StartWorkflow(ctx context.Context, req *StartWorkflowReq) (*WorkflowInstance, error) {
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.Wrapf(ErrInvalidParam, "StartWorkflow failed, req: %v,err: %v", req, err)
	}

	template, err := s.directory.FindTemplate(ctx, req.TemplateID, req.OrganizationID)
	if err != nil {
		return nil, errors.WithMessagef(err, "FindTemplate failed, templateID: %s", req.TemplateID)
	}
	if template == nil {
		return nil, errors.WithMessagef(ErrTemplateNotFound, "templateID: %s, organizationID: %s", req.TemplateID, req.OrganizationID)
	}
	if !template.Active {
		return nil, errors.WithMessagef(ErrTemplateInactive, "templateID: %s", req.TemplateID)
	}
	if len(template.Steps) == 0 {
		return nil, errors.WithMessagef(ErrInvalidTemplate, "templateID: %s", req.TemplateID)
	}

	// 一个资源同时只能有一个活跃实例
	// 约定上由调用方先做重复检查,引擎这里再兜底一次
	existing, err := s.findActiveByResourcePo(ctx, req.ResourceType, req.ResourceID)
	if err != nil {
		return nil, errors.WithMessage(err, "duplicate check failed")
	}
	if existing != nil {
		return nil, errors.WithMessagef(ErrDuplicateWorkflow, "resourceType: %s, resourceID: %s, workflowID: %s",
			req.ResourceType, req.ResourceID, existing.ID)
	}

	firstStep := template.Steps[0]
	approvers, err := s.findApproversForStep(ctx, firstStep, req.OrganizationID, req.ResourceID, req.CreatedBy)
	if err != nil {
		return nil, errors.WithMessagef(err, "findApproversForStep failed, templateID: %s, step: 1", req.TemplateID)
	}

	now := time.Now()
	workflowInstance, err := s.repo.CreateWorkflowInstance(ctx, &WorkflowInstancePo{
		ID:               uuid.NewString(),
		OrganizationID:   req.OrganizationID,
		TemplateID:       template.ID,
		TemplateName:     template.Name,
		ResourceType:     req.ResourceType,
		ResourceID:       req.ResourceID,
		ResourceName:     req.ResourceName,
		CurrentStep:      1,
		Status:           WorkflowStatusInProgress,
		StepsCompleted:   StepCompletions{},
		CurrentApprovers: approvers.IDs,
		StartedAt:        now.Unix(),
		DueAt:            now.Add(firstStep.TimeoutDuration()).Unix(),
		CreatedBy:        req.CreatedBy,
		CreatedByName:    req.CreatedByName,
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "CreateWorkflowInstance failed, templateID: %s", req.TemplateID)
	}

	// 通知是旁路,发送失败吞掉,绝不回滚实例创建
	s.notifyBestEffort(ctx, "workflow_started", func() error {
		return s.notifier.SendWorkflowStarted(ctx, &WorkflowNotification{
			WorkflowID:   workflowInstance.ID,
			WorkflowName: workflowInstance.TemplateName,
			ResourceType: workflowInstance.ResourceType,
			ResourceName: workflowInstance.ResourceName,
			Status:       workflowInstance.Status,
			ToEmails:     approvers.Emails,
		})
	})

	return poToWorkflowInstance(workflowInstance), nil
}

func (s *ApprovalEngineImpl) ProcessApprovalAction(ctx context.Context, req *ProcessApprovalActionReq) (*WorkflowInstance, error) {
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.Wrapf(ErrInvalidParam, "ProcessApprovalAction failed, req: %v,err: %v", req, err)
	}
	var ret *WorkflowInstance
	err := s.executeLock.NonBlockingSynchronized(ctx,
		approvalOpLockKey(req.WorkflowID),
		approvalOpLockTime,
		func(ctx context.Context) error {
			po, err := s.getWorkflowPo(ctx, req.WorkflowID)
			if err != nil {
				return err
			}
			if !IsActionableWorkflowStatus(po.Status) {
				return errors.WithMessagef(ErrInvalidState, "workflowID: %s, status: %s", po.ID, po.Status)
			}
			if !po.CurrentApprovers.Contains(req.UserID) {
				return errors.WithMessagef(ErrUnauthorized, "workflowID: %s, userID: %s", po.ID, req.UserID)
			}

			template, err := s.directory.FindTemplate(ctx, po.TemplateID, po.OrganizationID)
			if err != nil {
				return errors.WithMessagef(err, "FindTemplate failed, templateID: %s", po.TemplateID)
			}
			if template == nil {
				return errors.WithMessagef(ErrTemplateNotFound, "templateID: %s, workflowID: %s", po.TemplateID, po.ID)
			}
			if po.CurrentStep < 1 || po.CurrentStep > len(template.Steps) {
				return errors.Errorf("current_step %d out of template range, workflowID: %s", po.CurrentStep, po.ID)
			}
			currentStep := template.Steps[po.CurrentStep-1]

			// 到达授权检查的动作必定落一条审计记录,即使是会签未凑齐的空转审批
			newCompleted := appendCompletion(po.StepsCompleted, &StepCompletion{
				StepNumber:     po.CurrentStep,
				StepName:       currentStep.Name,
				ApprovedBy:     req.UserID,
				ApprovedByName: req.UserName,
				Action:         req.Action,
				Comments:       req.Comments,
				ApprovedAt:     time.Now().Unix(),
			})

			switch req.Action {
			case ApprovalActionReject:
				ret, err = s.finalizeWorkflow(ctx, po, newCompleted, WorkflowStatusRejected)
				return err
			case ApprovalActionRequestChanges:
				// 回到pending,实例保持打开,当前步骤和审批人不变,不做资源回写
				status := WorkflowStatusPending
				if err := s.updateInstanceGuarded(ctx, po, &UpdateWorkflowInstanceField{
					Status:         &status,
					StepsCompleted: &newCompleted,
				}); err != nil {
					return err
				}
				po.Status = status
				po.StepsCompleted = newCompleted
				ret = poToWorkflowInstance(po)
				return nil
			case ApprovalActionApprove:
				ret, err = s.processApprove(ctx, po, template, currentStep, newCompleted, req.UserID)
				return err
			}
			return errors.Wrapf(ErrInvalidParam, "unknown action %s", req.Action)
		})
	if err != nil {
		return nil, errors.WithMessagef(err, "ProcessApprovalAction failed, workflowID: %s", req.WorkflowID)
	}
	return ret, nil
}

// processApprove 通过动作的推进逻辑,会签凑齐或者any直接过,最后一步完成整个流程
func (s *ApprovalEngineImpl) processApprove(ctx context.Context, po *WorkflowInstancePo, template *WorkflowTemplatePo,
	currentStep *TemplateStep, newCompleted StepCompletions, userID string) (*WorkflowInstance, error) {
	if currentStep.ApprovalType == ApprovalTypeAll {
		// 会签: 本步骤已经approve过的人加上本次操作人,必须覆盖当前审批人集合才算通过
		approvedAtStep := make(map[string]struct{})
		for _, completion := range po.StepsCompleted {
			if completion.StepNumber == po.CurrentStep && completion.Action == ApprovalActionApprove {
				approvedAtStep[completion.ApprovedBy] = struct{}{}
			}
		}
		approvedAtStep[userID] = struct{}{}
		covered := true
		for _, approver := range po.CurrentApprovers {
			if _, ok := approvedAtStep[approver]; !ok {
				covered = false
				break
			}
		}
		if !covered {
			// 没凑齐: 只落审计记录,步骤和状态原样返回
			if err := s.updateInstanceGuarded(ctx, po, &UpdateWorkflowInstanceField{
				StepsCompleted: &newCompleted,
			}); err != nil {
				return nil, err
			}
			po.StepsCompleted = newCompleted
			return poToWorkflowInstance(po), nil
		}
	}

	if po.CurrentStep < len(template.Steps) {
		// 进入下一步: 重新解析审批人,重算due_at,状态回到in_progress
		nextStep := template.Steps[po.CurrentStep]
		approvers, err := s.findApproversForStep(ctx, nextStep, po.OrganizationID, po.ResourceID, po.CreatedBy)
		if err != nil {
			return nil, errors.WithMessagef(err, "findApproversForStep failed, workflowID: %s, step: %d", po.ID, po.CurrentStep+1)
		}
		newStep := po.CurrentStep + 1
		status := WorkflowStatusInProgress
		dueAt := time.Now().Add(nextStep.TimeoutDuration()).Unix()
		if err := s.updateInstanceGuarded(ctx, po, &UpdateWorkflowInstanceField{
			Status:           &status,
			CurrentStep:      &newStep,
			CurrentApprovers: &approvers.IDs,
			StepsCompleted:   &newCompleted,
			DueAt:            &dueAt,
		}); err != nil {
			return nil, err
		}
		po.Status = status
		po.CurrentStep = newStep
		po.CurrentApprovers = approvers.IDs
		po.StepsCompleted = newCompleted
		po.DueAt = dueAt
		return poToWorkflowInstance(po), nil
	}

	// 最后一步通过,整个流程批准
	return s.finalizeWorkflow(ctx, po, newCompleted, WorkflowStatusApproved)
}

// finalizeWorkflow 写终态,回写资源状态,发完成通知
// 终态写入和资源回写在一个事务里,回写失败时实例回滚到原状态,调用方可以重试
func (s *ApprovalEngineImpl) finalizeWorkflow(ctx context.Context, po *WorkflowInstancePo, newCompleted StepCompletions, finalStatus WorkflowStatus) (*WorkflowInstance, error) {
	completedAt := time.Now().Unix()
	err := s.repo.Transaction(ctx, func(ctx context.Context) error {
		if err := s.updateInstanceGuarded(ctx, po, &UpdateWorkflowInstanceField{
			Status:         &finalStatus,
			StepsCompleted: &newCompleted,
			CompletedAt:    &completedAt,
		}); err != nil {
			return err
		}
		return s.syncResourceStatus(ctx, po, finalStatus)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "finalize workflow failed, workflowID: %s", po.ID)
	}
	po.Status = finalStatus
	po.StepsCompleted = newCompleted
	po.CompletedAt = &completedAt

	s.notifyBestEffort(ctx, "workflow_finished", func() error {
		return s.notifier.SendWorkflowFinished(ctx, &WorkflowNotification{
			WorkflowID:   po.ID,
			WorkflowName: po.TemplateName,
			ResourceType: po.ResourceType,
			ResourceName: po.ResourceName,
			Status:       finalStatus,
		})
	})
	return poToWorkflowInstance(po), nil
}

func (s *ApprovalEngineImpl) CheckEscalations(ctx context.Context) ([]*WorkflowInstance, error) {
	now := time.Now().Unix()
	isNoLimit := true
	overduePos, err := s.repo.QueryWorkflowInstance(ctx, &QueryWorkflowInstanceParams{
		StatusIn:  []string{WorkflowStatusInProgress},
		DueBefore: &now,
		Page: &Pager{
			IsNoLimit: &isNoLimit,
		},
	})
	if err != nil {
		return nil, errors.WithMessage(err, "QueryWorkflowInstance overdue failed")
	}

	escalated := make([]*WorkflowInstance, 0)
	for _, po := range overduePos {
		instance, err := s.escalateWorkflow(ctx, po)
		if err != nil {
			if errors.Is(errors.Cause(err), ErrLockFailed) || errors.Is(errors.Cause(err), ErrConflict) {
				// 正在被并发审批或者已经被别的扫描处理了,这一轮跳过即可
				slog.WarnContext(ctx, fmt.Sprintf("escalation skipped, workflowID: %s, err: %v", po.ID, err))
				continue
			}
			slog.ErrorContext(ctx, fmt.Sprintf("escalateWorkflow failed, workflowID: %s, err: %v", po.ID, err))
			continue
		}
		if instance != nil {
			escalated = append(escalated, instance)
		}
	}
	return escalated, nil
}

// escalateWorkflow 单个实例的升级,一次性的角色替换,不是阶梯升级
func (s *ApprovalEngineImpl) escalateWorkflow(ctx context.Context, po *WorkflowInstancePo) (*WorkflowInstance, error) {
	var ret *WorkflowInstance
	err := s.executeLock.NonBlockingSynchronized(ctx,
		approvalOpLockKey(po.ID),
		approvalOpLockTime,
		func(ctx context.Context) error {
			template, err := s.directory.FindTemplate(ctx, po.TemplateID, po.OrganizationID)
			if err != nil {
				return errors.WithMessagef(err, "FindTemplate failed, templateID: %s", po.TemplateID)
			}
			if template == nil || po.CurrentStep < 1 || po.CurrentStep > len(template.Steps) {
				slog.WarnContext(ctx, fmt.Sprintf("overdue workflow has no usable template step, workflowID: %s, templateID: %s", po.ID, po.TemplateID))
				return nil
			}
			currentStep := template.Steps[po.CurrentStep-1]
			if currentStep.EscalateToRole == "" {
				// 没有配置升级角色就保持超时状态,不升级,留给业务侧看板暴露
				slog.DebugContext(ctx, fmt.Sprintf("overdue workflow without escalate_to_role, workflowID: %s, step: %d", po.ID, po.CurrentStep))
				return nil
			}

			// 升级目标是角色直接成员,不展开委托
			approvers, err := s.findEscalationApprovers(ctx, currentStep.EscalateToRole, po.OrganizationID)
			if err != nil {
				return errors.WithMessagef(err, "findEscalationApprovers failed, role: %s", currentStep.EscalateToRole)
			}

			// 升级也要重算due_at,新审批人从现在开始计时,不然实例一直带着过期时间戳
			status := WorkflowStatusEscalated
			dueAt := time.Now().Add(currentStep.TimeoutDuration()).Unix()
			if err := s.updateInstanceGuarded(ctx, po, &UpdateWorkflowInstanceField{
				Status:           &status,
				CurrentApprovers: &approvers.IDs,
				DueAt:            &dueAt,
			}); err != nil {
				return err
			}
			po.Status = status
			po.CurrentApprovers = approvers.IDs
			po.DueAt = dueAt

			s.notifyBestEffort(ctx, "workflow_escalated", func() error {
				return s.notifier.SendWorkflowEscalated(ctx, &WorkflowNotification{
					WorkflowID:   po.ID,
					WorkflowName: po.TemplateName,
					ResourceType: po.ResourceType,
					ResourceName: po.ResourceName,
					Status:       status,
					ToEmails:     approvers.Emails,
				})
			})
			ret = poToWorkflowInstance(po)
			return nil
		})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *ApprovalEngineImpl) CancelWorkflow(ctx context.Context, req *CancelWorkflowReq) (*WorkflowInstance, error) {
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.Wrapf(ErrInvalidParam, "CancelWorkflow failed, req: %v,err: %v", req, err)
	}
	var ret *WorkflowInstance
	err := s.executeLock.NonBlockingSynchronized(ctx,
		approvalOpLockKey(req.WorkflowID),
		approvalOpLockTime,
		func(ctx context.Context) error {
			po, err := s.getWorkflowPo(ctx, req.WorkflowID)
			if err != nil {
				return err
			}
			if !IsActionableWorkflowStatus(po.Status) {
				return errors.WithMessagef(ErrInvalidState, "workflowID: %s, status: %s", po.ID, po.Status)
			}
			// 取消不校验current_approvers,权限由调用方的权限层把关
			stepName := fmt.Sprintf("step %d", po.CurrentStep)
			template, err := s.directory.FindTemplate(ctx, po.TemplateID, po.OrganizationID)
			if err != nil {
				return errors.WithMessagef(err, "FindTemplate failed, templateID: %s", po.TemplateID)
			}
			if template != nil && po.CurrentStep >= 1 && po.CurrentStep <= len(template.Steps) {
				stepName = template.Steps[po.CurrentStep-1].Name
			}
			newCompleted := appendCompletion(po.StepsCompleted, &StepCompletion{
				StepNumber:     po.CurrentStep,
				StepName:       stepName,
				ApprovedBy:     req.UserID,
				ApprovedByName: "System",
				Action:         ApprovalActionCancel,
				Comments:       req.Reason,
				ApprovedAt:     time.Now().Unix(),
			})
			ret, err = s.finalizeWorkflow(ctx, po, newCompleted, WorkflowStatusCancelled)
			return err
		})
	if err != nil {
		return nil, errors.WithMessagef(err, "CancelWorkflow failed, workflowID: %s", req.WorkflowID)
	}
	return ret, nil
}

func (s *ApprovalEngineImpl) GetWorkflow(ctx context.Context, workflowID string) (*WorkflowInstance, error) {
	if workflowID == "" {
		return nil, errors.Wrap(ErrInvalidParam, "empty workflowID")
	}
	po, err := s.getWorkflowPo(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return poToWorkflowInstance(po), nil
}

func (s *ApprovalEngineImpl) FindActiveByResource(ctx context.Context, resourceType ResourceType, resourceID string) (*WorkflowInstance, error) {
	if resourceType == "" || resourceID == "" {
		return nil, errors.Wrap(ErrInvalidParam, "empty resourceType or resourceID")
	}
	po, err := s.findActiveByResourcePo(ctx, resourceType, resourceID)
	if err != nil {
		return nil, err
	}
	if po == nil {
		return nil, nil
	}
	return poToWorkflowInstance(po), nil
}

func (s *ApprovalEngineImpl) QueryWorkflowInstance(ctx context.Context, params *QueryWorkflowInstanceParams) ([]*WorkflowInstance, error) {
	if err := validatorUtil.Struct(params); err != nil {
		return nil, errors.Wrapf(ErrInvalidParam, "QueryWorkflowInstance failed, params: %v,err: %v", params, err)
	}
	pos, err := s.repo.QueryWorkflowInstance(ctx, params)
	if err != nil {
		return nil, errors.WithMessagef(err, "QueryWorkflowInstance failed, params: %v", params)
	}
	instances := make([]*WorkflowInstance, 0, len(pos))
	for _, po := range pos {
		instances = append(instances, poToWorkflowInstance(po))
	}
	return instances, nil
}

func (s *ApprovalEngineImpl) CountWorkflowInstance(ctx context.Context, params *QueryWorkflowInstanceParams) (int64, error) {
	if err := validatorUtil.Struct(params); err != nil {
		return 0, errors.Wrapf(ErrInvalidParam, "CountWorkflowInstance failed, params: %v,err: %v", params, err)
	}
	count, err := s.repo.CountWorkflowInstance(ctx, params)
	if err != nil {
		return 0, errors.WithMessagef(err, "CountWorkflowInstance failed, params: %v", params)
	}
	return count, nil
}

func (s *ApprovalEngineImpl) getWorkflowPo(ctx context.Context, workflowID string) (*WorkflowInstancePo, error) {
	pos, err := s.repo.QueryWorkflowInstance(ctx, &QueryWorkflowInstanceParams{
		WorkflowInstanceID: &workflowID,
		Page: &Pager{
			Page: 1,
			Size: 1,
		},
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "QueryWorkflowInstance failed, workflowID: %s", workflowID)
	}
	if len(pos) == 0 {
		return nil, errors.WithMessagef(ErrWorkflowNotFound, "workflowID: %s", workflowID)
	}
	return pos[0], nil
}

func (s *ApprovalEngineImpl) findActiveByResourcePo(ctx context.Context, resourceType ResourceType, resourceID string) (*WorkflowInstancePo, error) {
	pos, err := s.repo.QueryWorkflowInstance(ctx, &QueryWorkflowInstanceParams{
		ResourceType: &resourceType,
		ResourceID:   &resourceID,
		StatusIn:     []string{WorkflowStatusPending, WorkflowStatusInProgress, WorkflowStatusEscalated},
		Page: &Pager{
			Page: 1,
			Size: 1,
		},
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "QueryWorkflowInstance failed, resourceID: %s", resourceID)
	}
	if len(pos) == 0 {
		return nil, nil
	}
	return pos[0], nil
}

// updateInstanceGuarded 带乐观并发检查的实例更新
// where条件带上读取时的status和current_step,没有命中说明被并发改掉了,返回ErrConflict
func (s *ApprovalEngineImpl) updateInstanceGuarded(ctx context.Context, po *WorkflowInstancePo, fields *UpdateWorkflowInstanceField) error {
	rows, err := s.repo.UpdateWorkflowInstance(ctx, &UpdateWorkflowInstanceParams{
		Where: &UpdateWorkflowInstanceWhere{
			IDIn:          []string{po.ID},
			StatusIn:      []string{po.Status},
			CurrentStepIn: []int{po.CurrentStep},
		},
		Fields:   fields,
		LimitMax: 1,
	})
	if err != nil {
		return errors.WithMessagef(err, "UpdateWorkflowInstance failed, workflowID: %s", po.ID)
	}
	if rows == 0 {
		return errors.WithMessagef(ErrConflict, "workflowID: %s, status: %s, currentStep: %d", po.ID, po.Status, po.CurrentStep)
	}
	return nil
}

// appendCompletion 审计记录只追加,先复制再append,避免共享底层数组
func appendCompletion(completions StepCompletions, record *StepCompletion) StepCompletions {
	newCompleted := make(StepCompletions, 0, len(completions)+1)
	newCompleted = append(newCompleted, completions...)
	newCompleted = append(newCompleted, record)
	return newCompleted
}

func (s *ApprovalEngineImpl) notifyBestEffort(ctx context.Context, event string, fn func() error) {
	if err := fn(); err != nil {
		slog.ErrorContext(ctx, fmt.Sprintf("notify %s failed, err: %v", event, err))
	}
}
