package store

import (
	"context"

	"github.com/BaSui01/memengine/types"
	"gorm.io/gorm/clause"
)

// SaveAssociation 按 id 插入或覆盖一条关联
func (s *Store) SaveAssociation(ctx context.Context, a types.Association) error {
	rec := toAssociationRecord(a)
	err := s.db(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&rec).Error
	if err != nil {
		return storageError("save association", err)
	}
	return nil
}

// DeleteAssociations 按 id 删除关联
func (s *Store) DeleteAssociations(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.db(ctx).Where("id IN ?", ids).Delete(&associationRecord{}).Error; err != nil {
		return storageError("delete associations", err)
	}
	return nil
}

// LoadAssociations 读取全部关联
func (s *Store) LoadAssociations(ctx context.Context) ([]types.Association, error) {
	var recs []associationRecord
	if err := s.db(ctx).Order("id").Find(&recs).Error; err != nil {
		return nil, storageError("load associations", err)
	}
	return toAssociations(recs), nil
}

// AssociationsFor 返回以 memoryID 为起点或终点的关联
func (s *Store) AssociationsFor(ctx context.Context, memoryID string) ([]types.Association, error) {
	var recs []associationRecord
	err := s.db(ctx).
		Where("source_key = ? OR target_key = ?", memoryID, memoryID).
		Order("id").
		Find(&recs).Error
	if err != nil {
		return nil, storageError("load memory associations", err)
	}
	return toAssociations(recs), nil
}

// CountAssociations 关联总数
func (s *Store) CountAssociations(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db(ctx).Model(&associationRecord{}).Count(&n).Error; err != nil {
		return 0, storageError("count associations", err)
	}
	return n, nil
}

func toAssociations(recs []associationRecord) []types.Association {
	out := make([]types.Association, len(recs))
	for i, r := range recs {
		out[i] = r.toAssociation()
	}
	return out
}
