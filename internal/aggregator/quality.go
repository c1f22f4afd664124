package aggregator

import (
	"fmt"
	"math"

	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/config"
	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/models"
	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/repository"
)

// qualityScorer 数据质量评分器
// 综合分 = 0.4·完整性 + 0.3·有效性 + 0.3·一致性（权重可配置）
type qualityScorer struct {
	cfg *config.Config
}

// scoreInput 单窗口评分输入
type scoreInput struct {
	Readings  []models.SensorReading // 窗口内读数
	Expected  int                    // 按上报周期应收条数
	Baseline  *repository.BaselineStats
	GapFilled bool
}

// score 计算三个维度分与综合分，并产出问题明细
func (q *qualityScorer) score(in scoreInput) (*models.DataQualityMetric, []models.QualityIssue) {
	var issues []models.QualityIssue

	completeness := q.completeness(len(in.Readings), in.Expected)
	if completeness < 1.0 && in.Expected > 0 {
		missing := in.Expected - len(in.Readings)
		if missing > 0 {
			issues = append(issues, models.QualityIssue{
				Kind:        "missing_readings",
				Description: fmt.Sprintf("received %d of %d expected readings", len(in.Readings), in.Expected),
				Count:       missing,
			})
		}
	}

	validity, invalidCount := q.validity(in.Readings)
	if invalidCount > 0 {
		issues = append(issues, models.QualityIssue{
			Kind:        "out_of_range",
			Description: "readings outside configured sane-value ranges",
			Count:       invalidCount,
		})
	}

	consistency := q.consistency(in.Readings, in.Baseline)
	if consistency < 0.5 {
		issues = append(issues, models.QualityIssue{
			Kind:        "baseline_deviation",
			Description: "window average deviates from rolling historical baseline",
			Count:       1,
		})
	}

	if in.GapFilled {
		issues = append(issues, models.QualityIssue{
			Kind:        "gap_filled",
			Description: "no raw data in window, placeholder row written",
			Count:       1,
		})
	}

	w := q.cfg.Processing.Quality
	overall := w.WeightCompleteness*completeness + w.WeightValidity*validity + w.WeightConsistency*consistency

	return &models.DataQualityMetric{
		CompletenessScore: completeness,
		ValidityScore:     validity,
		ConsistencyScore:  consistency,
		OverallScore:      overall,
	}, issues
}

// completeness 实收/应收
func (q *qualityScorer) completeness(received, expected int) float64 {
	if expected <= 0 {
		if received > 0 {
			return 1.0
		}
		return 0.0
	}
	c := float64(received) / float64(expected)
	if c > 1.0 {
		return 1.0
	}
	return c
}

// validity 处于合理值范围内的读数占比；逐个测量量穷举校验
func (q *qualityScorer) validity(readings []models.SensorReading) (float64, int) {
	if len(readings) == 0 {
		return 0.0, 0
	}
	sane := q.cfg.Processing.SaneRanges
	invalid := 0
	for _, r := range readings {
		valid := true
		for _, kind := range models.AllMetricKinds() {
			switch kind {
			case models.MetricFlowRate:
				if r.FlowRate < 0 || r.FlowRate > sane.FlowRateMax {
					valid = false
				}
			case models.MetricPressure:
				if r.Pressure < sane.PressureMin || r.Pressure > sane.PressureMax {
					valid = false
				}
			case models.MetricReservoirLevel:
				// 水库液位由独立的液位计上报，原始读数流里没有该量
			case models.MetricTemperature:
				if r.Temperature < sane.TemperatureMin || r.Temperature > sane.TemperatureMax {
					valid = false
				}
			}
		}
		if !valid {
			invalid++
		}
	}
	return float64(len(readings)-invalid) / float64(len(readings)), invalid
}

// consistency 与滚动历史基线的偏差评分
// 基线样本不足 3 个时不做判定（返回 1.0）；
// 偏差以基线标准差为尺度，3σ 以上计 0 分，线性过渡
func (q *qualityScorer) consistency(readings []models.SensorReading, baseline *repository.BaselineStats) float64 {
	if baseline == nil || baseline.SampleCount < 3 || len(readings) == 0 {
		return 1.0
	}

	var sum float64
	for _, r := range readings {
		sum += r.FlowRate
	}
	avg := sum / float64(len(readings))

	scale := baseline.StddevFlowRate
	if floor := 0.05 * math.Abs(baseline.AvgFlowRate); scale < floor {
		scale = floor
	}
	if scale == 0 {
		return 1.0
	}

	deviation := math.Abs(avg-baseline.AvgFlowRate) / scale
	score := 1.0 - deviation/3.0
	if score < 0 {
		return 0
	}
	return score
}
