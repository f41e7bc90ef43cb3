package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkg/errors"
)

// resolvedApprovers 一个步骤解析出来的审批人集合
// Emails和IDs不保证一一对应,邮箱查不到的审批人不影响他的审批权
type resolvedApprovers struct {
	IDs    StringSet
	Emails []string
}

/*
*
  - @description: 解析一个步骤当前的审批人集合
    1. 角色code解析成组织内角色,角色不存在返回空集合(warn),流程停住等升级兜底,不算错误
    2. 按approver_context确定基础集合: own只有创建人,team/branch/region目前和organization一样取全组织的角色成员,
    组织单元级别的过滤还没有实现
    3. 对每个基础审批人展开当前生效的委托,workflow_types为空或者包含all的委托把delegate并入集合
  - 每次步骤切换和升级都会重新跑这个解析,从不缓存,保证反映当下的角色成员和委托状态
*/
func (s *ApprovalEngineImpl) findApproversForStep(ctx context.Context, step *TemplateStep, organizationID string, resourceID string, createdBy string) (*resolvedApprovers, error) {
	ret := &resolvedApprovers{
		IDs:    StringSet{},
		Emails: make([]string, 0),
	}

	role, err := s.directory.FindRole(ctx, step.ApproverRole, organizationID)
	if err != nil {
		return nil, errors.WithMessagef(err, "FindRole failed, roleCode: %s", step.ApproverRole)
	}
	if role == nil {
		// 角色不存在不算错误,没有人能审批,等升级扫描兜底
		slog.WarnContext(ctx, fmt.Sprintf("approver role not found, roleCode: %s, organizationID: %s, resourceID: %s",
			step.ApproverRole, organizationID, resourceID))
		return ret, nil
	}

	baseUsers := make([]*DirectoryUser, 0)
	switch step.ApproverContext {
	case ApproverContextOwn:
		// own只有资源创建人自己,角色只做校验不做成员筛选
		user, err := s.directory.FindUser(ctx, createdBy)
		if err != nil {
			return nil, errors.WithMessagef(err, "FindUser failed, userID: %s", createdBy)
		}
		if user == nil {
			user = &DirectoryUser{ID: createdBy}
		}
		baseUsers = append(baseUsers, user)
	case ApproverContextTeam, ApproverContextBranch, ApproverContextRegion:
		// 组织单元级别的范围过滤还没有实现,目前和organization的行为一致
		slog.DebugContext(ctx, fmt.Sprintf("approver context %s resolved as organization scope, org-unit filtering not implemented", step.ApproverContext))
		fallthrough
	case ApproverContextOrganization:
		users, err := s.directory.FindActiveUsersByRole(ctx, organizationID, role.ID)
		if err != nil {
			return nil, errors.WithMessagef(err, "FindActiveUsersByRole failed, roleID: %s", role.ID)
		}
		baseUsers = users
	default:
		slog.WarnContext(ctx, fmt.Sprintf("unknown approver context %s, fallback to organization scope", step.ApproverContext))
		users, err := s.directory.FindActiveUsersByRole(ctx, organizationID, role.ID)
		if err != nil {
			return nil, errors.WithMessagef(err, "FindActiveUsersByRole failed, roleID: %s", role.ID)
		}
		baseUsers = users
	}

	now := time.Now().Unix()
	for _, user := range baseUsers {
		ret.IDs = ret.IDs.AddUnique(user.ID)
		if user.Email != "" {
			ret.Emails = append(ret.Emails, user.Email)
		}
		// 委托按人逐个查询,审批人规模是十量级,不做批量
		delegateIDs, err := s.expandDelegations(ctx, user.ID, now)
		if err != nil {
			return nil, errors.WithMessagef(err, "expandDelegations failed, delegatorID: %s", user.ID)
		}
		for _, delegateID := range delegateIDs {
			if ret.IDs.Contains(delegateID) {
				continue
			}
			ret.IDs = ret.IDs.AddUnique(delegateID)
			delegate, err := s.directory.FindUser(ctx, delegateID)
			if err != nil {
				// 邮箱查询失败不影响委托人的审批权,只少一封通知
				slog.WarnContext(ctx, fmt.Sprintf("FindUser for delegate failed, delegateID: %s, err: %v", delegateID, err))
				continue
			}
			if delegate != nil && delegate.Email != "" {
				ret.Emails = append(ret.Emails, delegate.Email)
			}
		}
	}
	return ret, nil
}

// expandDelegations 查询delegator当前生效且覆盖所有流程类型的委托
func (s *ApprovalEngineImpl) expandDelegations(ctx context.Context, delegatorID string, nowTs int64) ([]string, error) {
	delegations, err := s.directory.FindActiveDelegations(ctx, delegatorID, nowTs)
	if err != nil {
		return nil, errors.WithMessage(err, "FindActiveDelegations failed")
	}
	delegateIDs := make([]string, 0)
	for _, delegation := range delegations {
		if len(delegation.WorkflowTypes) == 0 || delegation.WorkflowTypes.Contains("all") {
			delegateIDs = append(delegateIDs, delegation.DelegateID)
		}
	}
	return delegateIDs, nil
}

// findEscalationApprovers 升级目标是角色的直接成员,不做委托展开
func (s *ApprovalEngineImpl) findEscalationApprovers(ctx context.Context, escalateToRole string, organizationID string) (*resolvedApprovers, error) {
	ret := &resolvedApprovers{
		IDs:    StringSet{},
		Emails: make([]string, 0),
	}
	role, err := s.directory.FindRole(ctx, escalateToRole, organizationID)
	if err != nil {
		return nil, errors.WithMessagef(err, "FindRole failed, roleCode: %s", escalateToRole)
	}
	if role == nil {
		slog.WarnContext(ctx, fmt.Sprintf("escalation role not found, roleCode: %s, organizationID: %s", escalateToRole, organizationID))
		return ret, nil
	}
	users, err := s.directory.FindActiveUsersByRole(ctx, organizationID, role.ID)
	if err != nil {
		return nil, errors.WithMessagef(err, "FindActiveUsersByRole failed, roleID: %s", role.ID)
	}
	for _, user := range users {
		ret.IDs = ret.IDs.AddUnique(user.ID)
		if user.Email != "" {
			ret.Emails = append(ret.Emails, user.Email)
		}
	}
	return ret, nil
}
