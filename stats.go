package memengine

import (
	"context"

	"github.com/BaSui01/memengine/cache"
	"github.com/BaSui01/memengine/internal/circuitbreaker"
	"github.com/BaSui01/memengine/internal/database"
	"github.com/BaSui01/memengine/pipeline"
	"github.com/BaSui01/memengine/session"
	"github.com/BaSui01/memengine/types"
)

// Stats 引擎运行状态快照
type Stats struct {
	Memories     int64                            `json:"memories"`
	Tiers        map[types.Tier]int64             `json:"tiers"`
	Associations int                              `json:"associations"`
	Indexed      int                              `json:"indexed"`
	Cache        cache.Stats                      `json:"cache"`
	Evaluation   pipeline.WorkerStats             `json:"evaluation"`
	Sessions     session.Stats                    `json:"sessions"`
	Breakers     map[string]circuitbreaker.Counts `json:"breakers"`
	Database     database.PoolStats               `json:"database"`
	Maintenance  int                              `json:"maintenance_runs"`
}

// GetStats 汇总各组件的统计. 存储查询失败时返回已收集的部分和错误
func (e *Engine) GetStats(ctx context.Context) (Stats, error) {
	st := Stats{
		Associations: e.graph.Count(),
		Indexed:      e.index.Size(),
		Cache:        e.cache.Stats(),
		Evaluation:   e.worker.Stats(),
		Sessions:     e.sessions.Stats(),
		Breakers:     e.recovery.Snapshot(),
		Database:     e.pool.GetStats(),
	}
	if e.scheduler != nil {
		st.Maintenance = e.scheduler.Runs()
	}

	var err error
	if st.Memories, err = e.store.Count(ctx); err != nil {
		return st, err
	}
	if st.Tiers, err = e.store.CountByTier(ctx); err != nil {
		return st, err
	}
	return st, nil
}
