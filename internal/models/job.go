package models

import (
	"fmt"
	"time"
)

// JobType 计划任务类型的封闭枚举
type JobType int

const (
	JobFullSync JobType = iota
	JobCacheRefresh
	JobRealtimeSync
	JobAnomalyScan
	JobQualityCheck
	JobEfficiencyRollup
	JobRetentionCleanup
)

func (t JobType) String() string {
	switch t {
	case JobFullSync:
		return "full_sync"
	case JobCacheRefresh:
		return "cache_refresh"
	case JobRealtimeSync:
		return "realtime_sync"
	case JobAnomalyScan:
		return "anomaly_scan"
	case JobQualityCheck:
		return "quality_check"
	case JobEfficiencyRollup:
		return "efficiency_rollup"
	case JobRetentionCleanup:
		return "retention_cleanup"
	default:
		return fmt.Sprintf("JobType(%d)", int(t))
	}
}

// ParseJobType 解析任务类型名称（HTTP 手动触发入口使用）
func ParseJobType(s string) (JobType, error) {
	switch s {
	case "full_sync":
		return JobFullSync, nil
	case "cache_refresh":
		return JobCacheRefresh, nil
	case "realtime_sync":
		return JobRealtimeSync, nil
	case "anomaly_scan":
		return JobAnomalyScan, nil
	case "quality_check":
		return JobQualityCheck, nil
	case "efficiency_rollup":
		return JobEfficiencyRollup, nil
	case "retention_cleanup":
		return JobRetentionCleanup, nil
	default:
		return 0, fmt.Errorf("unknown job type: %q", s)
	}
}

// AllJobTypes 全部任务类型
func AllJobTypes() []JobType {
	return []JobType{
		JobFullSync, JobCacheRefresh, JobRealtimeSync, JobAnomalyScan,
		JobQualityCheck, JobEfficiencyRollup, JobRetentionCleanup,
	}
}

// JobStatus 任务状态（queued → running → completed | failed）
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// ProcessingJob 一次管线运行的审计记录
// 任务开始时创建，结束时更新；管线自身从不删除历史记录
type ProcessingJob struct {
	JobID          string     `json:"job_id"`
	JobType        JobType    `json:"job_type"`
	Status         JobStatus  `json:"status"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	ItemsProcessed int        `json:"items_processed"`
	ItemsFailed    int        `json:"items_failed"`
	ErrorDetail    string     `json:"error_detail,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// ProcessingResult 一次聚合/预测批处理的逐点结果汇总
type ProcessingResult struct {
	NodesProcessed  int      `json:"nodes_processed"`
	NodesFailed     int      `json:"nodes_failed"`
	WindowsComputed int      `json:"windows_computed"`
	NodesWithData   []string `json:"nodes_with_data,omitempty"`
	FailedNodes     []string `json:"failed_nodes,omitempty"`
}
