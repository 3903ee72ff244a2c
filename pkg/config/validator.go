package config

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validator 配置验证器
type Validator struct {
	validate *validator.Validate
}

// NewValidator 创建验证器，错误信息使用 mapstructure 标签中的键名
func NewValidator() *Validator {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return &Validator{validate: v}
}

// Validate 验证配置结构体
func (v *Validator) Validate(cfg any) error {
	if cfg == nil {
		return ErrNilConfig
	}

	if err := v.validate.Struct(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrValidationFailed, formatValidationErrors(err))
	}

	return nil
}

// formatValidationErrors 格式化验证错误信息
func formatValidationErrors(err error) string {
	var sb strings.Builder

	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		for i, fieldErr := range validationErrors {
			if i > 0 {
				sb.WriteString("; ")
			}

			field := fieldErr.Field()
			tag := fieldErr.Tag()
			param := fieldErr.Param()

			switch tag {
			case "required":
				sb.WriteString(fmt.Sprintf("field '%s' is required", field))
			case "min":
				sb.WriteString(fmt.Sprintf("field '%s' must be at least %s", field, param))
			case "max":
				sb.WriteString(fmt.Sprintf("field '%s' must be at most %s", field, param))
			case "oneof":
				sb.WriteString(fmt.Sprintf("field '%s' must be one of [%s]", field, param))
			case "url":
				sb.WriteString(fmt.Sprintf("field '%s' must be a valid URL", field))
			case "gte":
				sb.WriteString(fmt.Sprintf("field '%s' must be greater than or equal to %s", field, param))
			case "lte":
				sb.WriteString(fmt.Sprintf("field '%s' must be less than or equal to %s", field, param))
			default:
				sb.WriteString(fmt.Sprintf("field '%s' failed validation '%s'", field, tag))
			}
		}
	} else {
		sb.WriteString(err.Error())
	}

	return sb.String()
}
