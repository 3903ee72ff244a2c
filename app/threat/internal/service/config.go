package service

import (
	"errors"
	"time"
	_ "time/tzdata"
)

// Config 业务配置
type Config struct {
	// AdminCode 修改访问码所需的管理员口令
	AdminCode string `mapstructure:"admin_code"`
	// DefaultAccessCode 首次启动时的访问码
	DefaultAccessCode string `mapstructure:"default_access_code"`
	// Timezone 卡片中「Czas」字段使用的时区
	Timezone string `mapstructure:"timezone"`
	Footer   string `mapstructure:"footer"`
	// DefaultOfficer 未填写修改人时卡片显示的名字
	DefaultOfficer string `mapstructure:"default_officer"`
	// DefaultChangedBy 修改访问码时未填写修改人的默认值
	DefaultChangedBy string `mapstructure:"default_changed_by"`
}

// DefaultConfig 默认配置，AdminCode 必须显式配置
func DefaultConfig() *Config {
	return &Config{
		DefaultAccessCode: "CHILLRP",
		Timezone:          "Europe/Warsaw",
		Footer:            "System Kodów Zagrożenia - LASD",
		DefaultOfficer:    "Unknown",
		DefaultChangedBy:  "admin",
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.AdminCode == "" {
		return errors.New("threat.admin_code is required")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return errors.New("threat.timezone is invalid: " + err.Error())
	}
	return nil
}
