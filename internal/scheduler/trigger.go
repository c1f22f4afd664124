package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Trigger 调度触发器（启动时解析一次，tick 时不再解析）
// 支持两类：固定间隔（every）与 cron 风格的 时/星期 表达式
type Trigger interface {
	// Next 返回严格晚于 after 的下一次触发时刻（UTC）
	Next(after time.Time) time.Time
	String() string
}

// IntervalTrigger 固定间隔触发
type IntervalTrigger struct {
	Every time.Duration
}

func (t IntervalTrigger) Next(after time.Time) time.Time {
	return after.Add(t.Every)
}

func (t IntervalTrigger) String() string {
	return fmt.Sprintf("every %s", t.Every)
}

// HourlyTrigger 每小时的第 MM 分触发
type HourlyTrigger struct {
	Minute int
}

func (t HourlyTrigger) Next(after time.Time) time.Time {
	after = after.UTC()
	next := time.Date(after.Year(), after.Month(), after.Day(), after.Hour(), t.Minute, 0, 0, time.UTC)
	if !next.After(after) {
		next = next.Add(time.Hour)
	}
	return next
}

func (t HourlyTrigger) String() string {
	return fmt.Sprintf("hourly :%02d", t.Minute)
}

// DailyTrigger 每天 HH:MM 触发
type DailyTrigger struct {
	Hour   int
	Minute int
}

func (t DailyTrigger) Next(after time.Time) time.Time {
	after = after.UTC()
	next := time.Date(after.Year(), after.Month(), after.Day(), t.Hour, t.Minute, 0, 0, time.UTC)
	if !next.After(after) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (t DailyTrigger) String() string {
	return fmt.Sprintf("daily %02d:%02d", t.Hour, t.Minute)
}

// WeeklyTrigger 每周某日 HH:MM 触发
type WeeklyTrigger struct {
	Weekday time.Weekday
	Hour    int
	Minute  int
}

func (t WeeklyTrigger) Next(after time.Time) time.Time {
	after = after.UTC()
	next := time.Date(after.Year(), after.Month(), after.Day(), t.Hour, t.Minute, 0, 0, time.UTC)
	offset := (int(t.Weekday) - int(next.Weekday()) + 7) % 7
	next = next.AddDate(0, 0, offset)
	if !next.After(after) {
		next = next.AddDate(0, 0, 7)
	}
	return next
}

func (t WeeklyTrigger) String() string {
	return fmt.Sprintf("weekly %s %02d:%02d", strings.ToLower(t.Weekday.String()[:3]), t.Hour, t.Minute)
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// ParseTrigger 解析触发器表达式，语法错误立即返回（注册期失败，不会拖到运行期）
//
//	every 5m
//	hourly :15
//	daily 02:00
//	weekly sun 04:00
func ParseTrigger(expr string) (Trigger, error) {
	fields := strings.Fields(strings.TrimSpace(expr))
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty trigger expression")
	}

	switch fields[0] {
	case "every":
		if len(fields) != 2 {
			return nil, fmt.Errorf("invalid trigger %q: want \"every <duration>\"", expr)
		}
		d, err := time.ParseDuration(fields[1])
		if err != nil {
			return nil, fmt.Errorf("invalid trigger %q: %w", expr, err)
		}
		if d < time.Minute {
			return nil, fmt.Errorf("invalid trigger %q: interval below 1m", expr)
		}
		return IntervalTrigger{Every: d}, nil

	case "hourly":
		if len(fields) != 2 || !strings.HasPrefix(fields[1], ":") {
			return nil, fmt.Errorf("invalid trigger %q: want \"hourly :MM\"", expr)
		}
		minute, err := strconv.Atoi(fields[1][1:])
		if err != nil || minute < 0 || minute > 59 {
			return nil, fmt.Errorf("invalid trigger %q: bad minute", expr)
		}
		return HourlyTrigger{Minute: minute}, nil

	case "daily":
		if len(fields) != 2 {
			return nil, fmt.Errorf("invalid trigger %q: want \"daily HH:MM\"", expr)
		}
		hour, minute, err := parseClock(fields[1])
		if err != nil {
			return nil, fmt.Errorf("invalid trigger %q: %w", expr, err)
		}
		return DailyTrigger{Hour: hour, Minute: minute}, nil

	case "weekly":
		if len(fields) != 3 {
			return nil, fmt.Errorf("invalid trigger %q: want \"weekly <dow> HH:MM\"", expr)
		}
		dow, ok := weekdays[strings.ToLower(fields[1])]
		if !ok {
			return nil, fmt.Errorf("invalid trigger %q: unknown weekday %q", expr, fields[1])
		}
		hour, minute, err := parseClock(fields[2])
		if err != nil {
			return nil, fmt.Errorf("invalid trigger %q: %w", expr, err)
		}
		return WeeklyTrigger{Weekday: dow, Hour: hour, Minute: minute}, nil

	default:
		return nil, fmt.Errorf("invalid trigger %q: unknown form %q", expr, fields[0])
	}
}

func parseClock(s string) (int, int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("bad clock %q", s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("bad hour %q", parts[0])
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("bad minute %q", parts[1])
	}
	return hour, minute, nil
}
