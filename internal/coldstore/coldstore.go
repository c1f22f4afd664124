package coldstore

import (
	"context"
	"time"

	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/models"
)

// ReadingSource 冷层原始读数查询接口（只读，无副作用）
// 聚合引擎每次运行对每个监测点只取一次快照，
// 同一监测点内各窗口都基于该快照计算（单点单调一致性）
type ReadingSource interface {
	// ReadingsBetween 返回 [start, end) 内某监测点的全部原始读数，按时间升序
	ReadingsBetween(ctx context.Context, nodeID string, start, end time.Time) ([]models.SensorReading, error)
}
