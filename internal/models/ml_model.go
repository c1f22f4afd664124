package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrIllegalTransition 非法的模型状态迁移
var ErrIllegalTransition = errors.New("illegal model status transition")

// ModelType 模型类型的封闭枚举
type ModelType int

const (
	ModelFlowPrediction ModelType = iota
	ModelAnomalyDetection
	ModelEfficiency
)

func (t ModelType) String() string {
	switch t {
	case ModelFlowPrediction:
		return "flow_prediction"
	case ModelAnomalyDetection:
		return "anomaly_detection"
	case ModelEfficiency:
		return "efficiency"
	default:
		return fmt.Sprintf("ModelType(%d)", int(t))
	}
}

// ParseModelType 解析存储层名称
func ParseModelType(s string) (ModelType, error) {
	switch s {
	case "flow_prediction":
		return ModelFlowPrediction, nil
	case "anomaly_detection":
		return ModelAnomalyDetection, nil
	case "efficiency":
		return ModelEfficiency, nil
	default:
		return 0, fmt.Errorf("unknown model type: %q", s)
	}
}

// ModelStatus 模型生命周期状态机
// created → training → validating → shadow → active → retired
// 允许跳过 shadow（validating → active）；retired 为终态
type ModelStatus string

const (
	ModelStatusCreated    ModelStatus = "created"
	ModelStatusTraining   ModelStatus = "training"
	ModelStatusValidating ModelStatus = "validating"
	ModelStatusShadow     ModelStatus = "shadow"
	ModelStatusActive     ModelStatus = "active"
	ModelStatusRetired    ModelStatus = "retired"
)

// legalTransitions 合法迁移表；不在表内的迁移一律拒绝
var legalTransitions = map[ModelStatus][]ModelStatus{
	ModelStatusCreated:    {ModelStatusTraining},
	ModelStatusTraining:   {ModelStatusValidating},
	ModelStatusValidating: {ModelStatusShadow, ModelStatusActive},
	ModelStatusShadow:     {ModelStatusActive, ModelStatusRetired},
	ModelStatusActive:     {ModelStatusRetired},
	ModelStatusRetired:    {},
}

// CanTransition 检查 from → to 是否合法
func (s ModelStatus) CanTransition(to ModelStatus) bool {
	for _, next := range legalTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition 执行迁移，非法迁移返回 ErrIllegalTransition
func (s ModelStatus) Transition(to ModelStatus) (ModelStatus, error) {
	if !s.CanTransition(to) {
		return s, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s, to)
	}
	return to, nil
}

// MLModelRecord 模型注册表记录
// 不变式：每个 model_type 同时最多一条 status=active 记录
type MLModelRecord struct {
	ModelID         string             `json:"model_id"`
	ModelType       ModelType          `json:"model_type"`
	Version         string             `json:"version"`
	Status          ModelStatus        `json:"status"`
	Degraded        bool               `json:"degraded"`
	Metrics         map[string]float64 `json:"metrics,omitempty"` // mape / mae 等评估指标
	TrainingStart   time.Time          `json:"training_start"`
	TrainingEnd     time.Time          `json:"training_end"`
	StorageLocation string             `json:"storage_location"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}
