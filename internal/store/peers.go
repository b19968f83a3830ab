package store

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/oceanrun/jobkeep/internal/model"
)

// ElectionResult reports the outcome of one election tick (§4.5).
type ElectionResult struct {
	Leader bool
	Node   string // current holder, if known
}

// Elect implements §4.5's per-tick election: delete expired rows, then
// upsert this node's candidacy with a conflict clause that only updates the
// row if the current holder matches this node. If the row is held by
// someone else, this node is a follower.
func (s *Store) Elect(ctx context.Context, name, node string, interval time.Duration, now time.Time) (ElectionResult, error) {
	var result ElectionResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("name = ? AND expires_at < ?", name, now).Delete(&model.Peer{}).Error; err != nil {
			return err
		}

		peer := model.Peer{
			Name:      name,
			Node:      node,
			StartedAt: now,
			ExpiresAt: now.Add(interval),
		}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"expires_at"}),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Eq{Column: "peers.node", Value: clause.Column{Table: "excluded", Name: "node"}},
			}},
		}).Create(&peer)
		if res.Error != nil {
			return res.Error
		}

		var current model.Peer
		if err := tx.Where("name = ?", name).First(&current).Error; err != nil {
			return err
		}
		result.Node = current.Node
		result.Leader = current.Node == node && current.Leading(now)
		return nil
	})
	if err != nil {
		return ElectionResult{}, classify(err, "elect")
	}
	return result, nil
}

// GetLeader returns the node currently holding the row, or "" if no leader
// (missing/expired row).
func (s *Store) GetLeader(ctx context.Context, name string, now time.Time) (string, error) {
	var peer model.Peer
	err := s.db.WithContext(ctx).Where("name = ? AND expires_at > ?", name, now).First(&peer).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return "", nil
		}
		return "", classify(err, "get_leader")
	}
	return peer.Node, nil
}

// ReleaseLeadership implements §4.5's graceful-termination step: delete the
// row if this node is the leader, so peers can immediately re-contest.
func (s *Store) ReleaseLeadership(ctx context.Context, name, node string) (released bool, err error) {
	res := s.db.WithContext(ctx).Where("name = ? AND node = ?", name, node).Delete(&model.Peer{})
	if res.Error != nil {
		return false, classify(res.Error, "release_leadership")
	}
	return res.RowsAffected > 0, nil
}
