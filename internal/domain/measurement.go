package domain

import "time"

// bytesPerMbit 带宽字节/秒换算为 Mbps 的除数
const bytesPerMbit = 125000

// Measurement 一次测速结果
//
// 带宽以字节/秒保存，与测速 CLI 的输出一致。
type Measurement struct {
	ID                int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	DownloadBandwidth int64     `json:"downloadBandwidth"`
	UploadBandwidth   int64     `json:"uploadBandwidth"`
	Latency           float64   `json:"latency"`
	Jitter            float64   `json:"jitter"`
	PacketLoss        float64   `json:"packetLoss"`
	ServerID          string    `json:"serverId"`
	ServerName        string    `json:"serverName"`
	ServerLocation    string    `json:"serverLocation"`
	ServerCountry     string    `json:"serverCountry"`
	ServerHost        string    `json:"serverHost"`
	ServerIP          string    `json:"serverIp"`
	ResultURL         string    `json:"resultUrl"`
	ISP               string    `json:"isp"`
	Timestamp         time.Time `json:"timestamp" gorm:"index;not null"`
}

// DownloadMbps 下载速率（Mbps）
func (m *Measurement) DownloadMbps() float64 {
	return BandwidthToMbps(float64(m.DownloadBandwidth))
}

// UploadMbps 上传速率（Mbps）
func (m *Measurement) UploadMbps() float64 {
	return BandwidthToMbps(float64(m.UploadBandwidth))
}

// BandwidthToMbps 字节/秒转换为 Mbps
func BandwidthToMbps(bandwidth float64) float64 {
	return bandwidth / bytesPerMbit
}

// MeasurementStats 一段时间内的测速汇总
type MeasurementStats struct {
	Count           int64   `json:"count"`
	AvgDownloadMbps float64 `json:"avgDownload"`
	MinDownloadMbps float64 `json:"minDownload"`
	MaxDownloadMbps float64 `json:"maxDownload"`
	AvgUploadMbps   float64 `json:"avgUpload"`
	AvgLatency      float64 `json:"avgLatency"`
}
