// Package speedtest 运行测速并按计划保存结果
package speedtest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"speedmonitor/backend/internal/domain"
)

var (
	// ErrMeasurementFailed 测速 CLI 没有返回结果
	ErrMeasurementFailed = errors.New("speed test failed")
	// ErrInvalidServerID 服务器 ID 不是数字
	ErrInvalidServerID = errors.New("speed test server id must be numeric")
)

// Measurer 执行一次测速
type Measurer interface {
	Measure(ctx context.Context) (*domain.Measurement, error)
}

// commandRunner 执行外部命令并返回标准输出
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// CLIMeasurer 调用 Ookla speedtest CLI 测速
type CLIMeasurer struct {
	binary   string
	serverID string
	run      commandRunner
}

// NewCLIMeasurer 创建 CLI 测速器
//
// 参数:
//   - binary: CLI 路径，为空时使用 PATH 中的 speedtest
//   - serverID: 指定测速服务器，为空时由 CLI 自动选择
func NewCLIMeasurer(binary, serverID string) (*CLIMeasurer, error) {
	if binary == "" {
		binary = "speedtest"
	}
	if serverID != "" {
		if _, err := strconv.ParseUint(serverID, 10, 64); err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidServerID, serverID)
		}
	}
	return &CLIMeasurer{
		binary:   binary,
		serverID: serverID,
		run:      runCommand,
	}, nil
}

// Args 传给 CLI 的参数
func (m *CLIMeasurer) Args() []string {
	args := []string{"--format=json", "--accept-license", "--accept-gdpr"}
	if m.serverID != "" {
		args = append(args, "--server-id="+m.serverID)
	}
	return args
}

// Measure 执行一次测速
func (m *CLIMeasurer) Measure(ctx context.Context) (*domain.Measurement, error) {
	out, err := m.run(ctx, m.binary, m.Args()...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMeasurementFailed, err)
	}
	return parseResult(out)
}

// cliResult CLI 输出的结果结构
type cliResult struct {
	Type      string    `json:"type"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Ping      struct {
		Jitter  float64 `json:"jitter"`
		Latency float64 `json:"latency"`
	} `json:"ping"`
	Download struct {
		Bandwidth int64 `json:"bandwidth"`
	} `json:"download"`
	Upload struct {
		Bandwidth int64 `json:"bandwidth"`
	} `json:"upload"`
	PacketLoss float64 `json:"packetLoss"`
	ISP        string  `json:"isp"`
	Server     struct {
		ID       json.Number `json:"id"`
		Host     string      `json:"host"`
		Name     string      `json:"name"`
		Location string      `json:"location"`
		Country  string      `json:"country"`
		IP       string      `json:"ip"`
	} `json:"server"`
	Result struct {
		URL string `json:"url"`
	} `json:"result"`
}

// parseResult 从 CLI 输出中取出 type=result 的一行
//
// CLI 在结果之前可能输出 log 行，出错时只输出 level=error 的 log 行。
func parseResult(out []byte) (*domain.Measurement, error) {
	var lastError string
	for _, line := range bytes.Split(bytes.TrimSpace(out), []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var r cliResult
		if err := json.Unmarshal(line, &r); err != nil {
			return nil, fmt.Errorf("%w: decode output: %v", ErrMeasurementFailed, err)
		}

		switch r.Type {
		case "result":
			return r.toMeasurement()
		case "log":
			if r.Level == "error" {
				lastError = r.Message
			}
		}
	}

	if lastError != "" {
		return nil, fmt.Errorf("%w: %s", ErrMeasurementFailed, lastError)
	}
	return nil, fmt.Errorf("%w: no result in output", ErrMeasurementFailed)
}

func (r *cliResult) toMeasurement() (*domain.Measurement, error) {
	if r.Download.Bandwidth <= 0 && r.Upload.Bandwidth <= 0 {
		return nil, fmt.Errorf("%w: empty bandwidth", ErrMeasurementFailed)
	}

	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	return &domain.Measurement{
		DownloadBandwidth: r.Download.Bandwidth,
		UploadBandwidth:   r.Upload.Bandwidth,
		Latency:           r.Ping.Latency,
		Jitter:            r.Ping.Jitter,
		PacketLoss:        r.PacketLoss,
		ServerID:          r.Server.ID.String(),
		ServerName:        r.Server.Name,
		ServerLocation:    r.Server.Location,
		ServerCountry:     r.Server.Country,
		ServerHost:        r.Server.Host,
		ServerIP:          r.Server.IP,
		ResultURL:         r.Result.URL,
		ISP:               r.ISP,
		Timestamp:         ts.UTC(),
	}, nil
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// CLI 出错时 stdout 里仍可能有 JSON 格式的错误日志
		if stdout.Len() > 0 {
			return stdout.Bytes(), nil
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", err, msg)
	}
	return stdout.Bytes(), nil
}
