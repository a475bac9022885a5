package model

import "time"

// Operation 正在运行的工作流(仅内存), 用于活跃操作统计与陈旧清理
type Operation struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"` // patch/rollback
	ServerName string    `json:"server_name"`
	Operator   string    `json:"operator"`
	StartTime  time.Time `json:"start_time"`
	Status     string    `json:"status"`
}
