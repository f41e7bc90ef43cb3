package engine

import (
	"github.com/go-playground/validator/v10"
)

// validatorUtil 公共的参数校验器,公开方法入口处统一校验请求结构
var validatorUtil = validator.New()
