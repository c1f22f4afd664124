package models

import (
	"fmt"
	"time"
)

// TimeWindow 聚合时间窗口的封闭枚举
type TimeWindow int

const (
	Window5Min TimeWindow = iota
	Window1Hour
	Window1Day
	Window1Week
	Window1Month
)

// String 返回存储层使用的稳定名称
func (w TimeWindow) String() string {
	switch w {
	case Window5Min:
		return "5min"
	case Window1Hour:
		return "1hour"
	case Window1Day:
		return "1day"
	case Window1Week:
		return "1week"
	case Window1Month:
		return "1month"
	default:
		return fmt.Sprintf("TimeWindow(%d)", int(w))
	}
}

// ParseTimeWindow 解析存储层名称
func ParseTimeWindow(s string) (TimeWindow, error) {
	switch s {
	case "5min":
		return Window5Min, nil
	case "1hour":
		return Window1Hour, nil
	case "1day":
		return Window1Day, nil
	case "1week":
		return Window1Week, nil
	case "1month":
		return Window1Month, nil
	default:
		return 0, fmt.Errorf("unknown time window: %q", s)
	}
}

// AllTimeWindows 全部窗口尺寸（聚合引擎按此逐个重算）
func AllTimeWindows() []TimeWindow {
	return []TimeWindow{Window5Min, Window1Hour, Window1Day, Window1Week, Window1Month}
}

// Truncate 将时间戳对齐到窗口起点（UTC）
// 周窗口对齐到周一 00:00，月窗口对齐到当月 1 日 00:00
func (w TimeWindow) Truncate(t time.Time) time.Time {
	t = t.UTC()
	switch w {
	case Window5Min:
		return t.Truncate(5 * time.Minute)
	case Window1Hour:
		return t.Truncate(time.Hour)
	case Window1Day:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case Window1Week:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		// Weekday(): Sunday=0 ... 对齐到周一
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case Window1Month:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return t
	}
}

// Next 返回紧随 start 之后的下一个窗口起点
// start 必须已经是窗口起点
func (w TimeWindow) Next(start time.Time) time.Time {
	switch w {
	case Window5Min:
		return start.Add(5 * time.Minute)
	case Window1Hour:
		return start.Add(time.Hour)
	case Window1Day:
		return start.AddDate(0, 0, 1)
	case Window1Week:
		return start.AddDate(0, 0, 7)
	case Window1Month:
		return start.AddDate(0, 1, 0)
	default:
		return start
	}
}

// ExpectedReadings 按监测点上报周期估算窗口内应收到的读数条数
func (w TimeWindow) ExpectedReadings(start time.Time, reportingInterval time.Duration) int {
	if reportingInterval <= 0 {
		return 0
	}
	span := w.Next(start).Sub(start)
	return int(span / reportingInterval)
}
