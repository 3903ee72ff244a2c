package logger

import (
	"io"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultRotationTime = 24 * time.Hour
	defaultMaxAgeTime   = 14 * 24 * time.Hour
	defaultPattern      = ".%Y%m%d"
)

// NewRotationWriter 按配置创建文件 writer，未知类型按大小轮换
func NewRotationWriter(cfg *RotationConfig, outputPath string) (io.Writer, error) {
	if cfg.Type == RotationByTime {
		return newTimeRotationWriter(cfg, outputPath)
	}
	return &lumberjack.Logger{
		Filename:   outputPath,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
		LocalTime:  true,
	}, nil
}

func newTimeRotationWriter(cfg *RotationConfig, outputPath string) (io.Writer, error) {
	rotationTime, err := time.ParseDuration(cfg.RotationTime)
	if err != nil || rotationTime <= 0 {
		rotationTime = defaultRotationTime
	}
	maxAge, err := time.ParseDuration(cfg.MaxAgeTime)
	if err != nil || maxAge <= 0 {
		maxAge = defaultMaxAgeTime
	}
	pattern := cfg.RotationPattern
	if pattern == "" {
		pattern = defaultPattern
	}

	return rotatelogs.New(
		outputPath+pattern,
		rotatelogs.WithLinkName(outputPath),
		rotatelogs.WithRotationTime(rotationTime),
		rotatelogs.WithMaxAge(maxAge),
	)
}
