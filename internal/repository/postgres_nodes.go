package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/AIgen-Solutions-s-r-l/abbanoa-water-analysis-sub002/internal/models"
)

// PostgresNodeRepository 监测点注册表 Repository 实现
type PostgresNodeRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresNodeRepository 创建监测点 Repository
func NewPostgresNodeRepository(db *sql.DB, logger *zap.Logger) *PostgresNodeRepository {
	return &PostgresNodeRepository{db: db, logger: logger}
}

// 确保实现了接口
var _ NodeRepository = (*PostgresNodeRepository)(nil)

const nodeColumns = `node_id, name, zone_id, node_type, is_active, reporting_interval_seconds, created_at`

func (r *PostgresNodeRepository) ListActiveNodes(ctx context.Context) ([]models.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE is_active = TRUE ORDER BY node_id`
	return r.queryNodes(ctx, query)
}

func (r *PostgresNodeRepository) ListAllNodes(ctx context.Context) ([]models.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes ORDER BY node_id`
	return r.queryNodes(ctx, query)
}

func (r *PostgresNodeRepository) queryNodes(ctx context.Context, query string, args ...interface{}) ([]models.Node, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query nodes: %w", err)
	}
	defer rows.Close()

	var nodes []models.Node
	for rows.Next() {
		var n models.Node
		var nodeType string
		var intervalSeconds int
		if err := rows.Scan(&n.NodeID, &n.Name, &n.ZoneID, &nodeType, &n.IsActive, &intervalSeconds, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		parsed, err := models.ParseNodeType(nodeType)
		if err != nil {
			return nil, err
		}
		n.NodeType = parsed
		n.ReportingInterval = time.Duration(intervalSeconds) * time.Second
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}
