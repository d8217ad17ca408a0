package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/BaSui01/memengine/types"
)

// memoryRecord memories 表
type memoryRecord struct {
	ID           string    `gorm:"primaryKey;size:26"`
	Content      string    `gorm:"type:text;not null"`
	Role         string    `gorm:"size:16;not null"`
	Type         string    `gorm:"size:32;not null"`
	SessionID    string    `gorm:"size:64;index:idx_memories_session"`
	Timestamp    time.Time `gorm:"not null;index:idx_memories_timestamp"`
	Weight       float64   `gorm:"not null;index:idx_memories_weight"`
	GroupID      string    `gorm:"size:64;index:idx_memories_group"`
	Summary      string    `gorm:"type:text"`
	LastAccessed time.Time
	Metadata     string `gorm:"type:text"`
}

func (memoryRecord) TableName() string { return "memories" }

// vectorRecord memory_vectors 表，每条记忆一条向量
type vectorRecord struct {
	ID        string    `gorm:"primaryKey;size:26"`
	MemoryID  string    `gorm:"size:26;not null;uniqueIndex:idx_vectors_memory"`
	Vector    []byte    `gorm:"not null"`
	ModelName string    `gorm:"size:128"`
	Timestamp time.Time `gorm:"not null"`
}

func (vectorRecord) TableName() string { return "memory_vectors" }

// associationRecord associations 表；source/target 索引即反向索引
type associationRecord struct {
	ID            string  `gorm:"primaryKey;size:32"`
	SourceKey     string  `gorm:"size:26;not null;index:idx_assoc_source"`
	TargetKey     string  `gorm:"size:26;not null;index:idx_assoc_target"`
	Type          string  `gorm:"size:32;not null"`
	Strength      float64 `gorm:"not null"`
	CreatedAt     time.Time
	LastActivated time.Time `gorm:"index:idx_assoc_activated"`
}

func (associationRecord) TableName() string { return "associations" }

// =============================================================================
// 🔄 转换
// =============================================================================

func toRecord(m types.Memory) (memoryRecord, error) {
	meta := ""
	if len(m.Metadata) > 0 {
		raw, err := json.Marshal(m.Metadata)
		if err != nil {
			return memoryRecord{}, fmt.Errorf("encode metadata: %w", err)
		}
		meta = string(raw)
	}
	return memoryRecord{
		ID:           m.ID,
		Content:      m.Content,
		Role:         string(m.Role),
		Type:         string(m.Type),
		SessionID:    m.SessionID,
		Timestamp:    m.Timestamp.UTC(),
		Weight:       types.ClampWeight(m.Weight),
		GroupID:      m.GroupID,
		Summary:      m.Summary,
		LastAccessed: m.LastAccessed.UTC(),
		Metadata:     meta,
	}, nil
}

func (r memoryRecord) toMemory() types.Memory {
	m := types.Memory{
		ID:           r.ID,
		Content:      r.Content,
		Role:         types.Role(r.Role),
		Type:         types.MemoryType(r.Type),
		SessionID:    r.SessionID,
		Timestamp:    r.Timestamp,
		Weight:       r.Weight,
		GroupID:      r.GroupID,
		Summary:      r.Summary,
		LastAccessed: r.LastAccessed,
	}
	if r.Metadata != "" {
		// 损坏的元数据不影响记忆本身
		_ = json.Unmarshal([]byte(r.Metadata), &m.Metadata)
	}
	return m
}

func toAssociationRecord(a types.Association) associationRecord {
	return associationRecord{
		ID:            a.ID,
		SourceKey:     a.SourceKey,
		TargetKey:     a.TargetKey,
		Type:          string(a.Type),
		Strength:      types.ClampStrength(a.Strength),
		CreatedAt:     a.CreatedAt.UTC(),
		LastActivated: a.LastActivated.UTC(),
	}
}

func (r associationRecord) toAssociation() types.Association {
	return types.Association{
		ID:            r.ID,
		SourceKey:     r.SourceKey,
		TargetKey:     r.TargetKey,
		Type:          types.AssociationType(r.Type),
		Strength:      r.Strength,
		CreatedAt:     r.CreatedAt,
		LastActivated: r.LastActivated,
	}
}

// encodeVector 小端 float32
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}
