package logger

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ServiceName 每条日志携带的服务名
const ServiceName = "speed-monitor"

// Config 日志配置
type Config struct {
	Level        string `mapstructure:"level"`
	Development  bool   `mapstructure:"development"`
	LogFile      string `mapstructure:"log_file"`
	ErrorLogFile string `mapstructure:"error_log_file"` // 只写入 error 及以上级别
	MaxSize      int    `mapstructure:"max_size"`       // MB
	MaxBackups   int    `mapstructure:"max_backups"`
	MaxAge       int    `mapstructure:"max_age"` // days
	Compress     bool   `mapstructure:"compress"`
}

// NewLogger 创建日志记录器
func NewLogger(cfg Config) (*zap.Logger, error) {
	// 设置日志级别
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	// 创建编码器配置
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	// 创建编码器
	var encoder zapcore.Encoder
	if cfg.Development {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	// 主输出：标准输出，可选同时写入轮转文件
	writeSyncer := zapcore.AddSync(os.Stdout)
	if cfg.LogFile != "" {
		fileSyncer, err := rotatingFile(cfg, cfg.LogFile)
		if err != nil {
			return nil, err
		}
		writeSyncer = zapcore.NewMultiWriteSyncer(fileSyncer, zapcore.AddSync(os.Stdout))
	}

	cores := []zapcore.Core{zapcore.NewCore(encoder, writeSyncer, level)}

	// 错误日志单独落盘
	if cfg.ErrorLogFile != "" {
		errorSyncer, err := rotatingFile(cfg, cfg.ErrorLogFile)
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(encoder.Clone(), errorSyncer, zapcore.ErrorLevel))
	}

	core := zapcore.NewTee(cores...)

	// 创建日志记录器
	opts := []zap.Option{zap.AddCaller(), zap.Fields(zap.String("service", ServiceName))}
	if cfg.Development {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	return zap.New(core, opts...), nil
}

// rotatingFile 创建带轮转的文件输出
func rotatingFile(cfg Config, filename string) (zapcore.WriteSyncer, error) {
	// 确保日志目录存在
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return nil, err
	}

	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = 100
	}

	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   filename,
		MaxSize:    maxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}), nil
}
