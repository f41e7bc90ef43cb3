package engine

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

type directoryRepo struct {
	db *gorm.DB
}

func NewDirectoryRepo(db *gorm.DB) DirectoryRepo {
	return &directoryRepo{
		db: db,
	}
}

func (r *directoryRepo) FindTemplate(ctx context.Context, templateID string, organizationID string) (*WorkflowTemplatePo, error) {
	if templateID == "" || organizationID == "" {
		return nil, fmt.Errorf("empty templateID or organizationID")
	}
	template := &WorkflowTemplatePo{}
	err := r.db.WithContext(ctx).
		Where("id = ? AND organization_id = ?", templateID, organizationID).
		First(template).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "FindTemplate failed, templateID: %s", templateID)
	}
	return template, nil
}

func (r *directoryRepo) FindRole(ctx context.Context, code string, organizationID string) (*RolePo, error) {
	if code == "" || organizationID == "" {
		return nil, fmt.Errorf("empty code or organizationID")
	}
	role := &RolePo{}
	err := r.db.WithContext(ctx).
		Where("code = ? AND organization_id = ?", code, organizationID).
		First(role).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "FindRole failed, code: %s", code)
	}
	return role, nil
}

func (r *directoryRepo) FindActiveUsersByRole(ctx context.Context, organizationID string, roleID string) ([]*DirectoryUser, error) {
	if organizationID == "" || roleID == "" {
		return nil, fmt.Errorf("empty organizationID or roleID")
	}
	users := make([]*DirectoryUser, 0)
	err := r.db.WithContext(ctx).Model(&UserPo{}).
		Select("users.id, users.name, users.email").
		Joins("JOIN user_role ON user_role.user_id = users.id").
		Where("users.organization_id = ? AND user_role.role_id = ? AND users.active = ?", organizationID, roleID, true).
		Scan(&users).Error
	if err != nil {
		return nil, errors.WithMessagef(err, "FindActiveUsersByRole failed, roleID: %s", roleID)
	}
	return users, nil
}

func (r *directoryRepo) FindUser(ctx context.Context, userID string) (*DirectoryUser, error) {
	if userID == "" {
		return nil, fmt.Errorf("empty userID")
	}
	user := &UserPo{}
	err := r.db.WithContext(ctx).Where("id = ?", userID).First(user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "FindUser failed, userID: %s", userID)
	}
	return &DirectoryUser{
		ID:    user.ID,
		Name:  user.Name,
		Email: user.Email,
	}, nil
}

func (r *directoryRepo) FindActiveDelegations(ctx context.Context, delegatorID string, nowTs int64) ([]*DelegationPo, error) {
	if delegatorID == "" {
		return nil, fmt.Errorf("empty delegatorID")
	}
	delegations := make([]*DelegationPo, 0)
	err := r.db.WithContext(ctx).
		Where("delegator_id = ? AND active = ? AND valid_from <= ? AND valid_until >= ?", delegatorID, true, nowTs, nowTs).
		Find(&delegations).Error
	if err != nil {
		return nil, errors.WithMessagef(err, "FindActiveDelegations failed, delegatorID: %s", delegatorID)
	}
	return delegations, nil
}
