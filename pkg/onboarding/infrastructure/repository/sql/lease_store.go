package sql

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tigerroll/onboarding/pkg/onboarding/adapter/database"
	model "github.com/tigerroll/onboarding/pkg/onboarding/core/domain/model"
	"github.com/tigerroll/onboarding/pkg/onboarding/core/domain/repository"
	"github.com/tigerroll/onboarding/pkg/onboarding/support/util/exception"
)

// maxLeaseConflicts bounds how often TryAcquire re-reads a lock whose version moved underneath it.
const maxLeaseConflicts = 5

var errLeaseConflict = errors.New("semaphore lease version changed")

// LeaseStore implements repository.LeaseStore with a version-guarded lock row and one row per holder.
// Every holder change bumps the lock row's version inside the same transaction, so two acquirers
// that read the same holder set cannot both commit.
type LeaseStore struct {
	conn database.DBConnection
}

var _ repository.LeaseStore = (*LeaseStore)(nil)

// NewLeaseStore creates a LeaseStore on conn.
func NewLeaseStore(conn database.DBConnection) *LeaseStore {
	return &LeaseStore{conn: conn}
}

func (s *LeaseStore) TryAcquire(ctx context.Context, lockName, token string, limit int, heldUntil time.Time) (bool, error) {
	const op = "SQLLeaseStore.TryAcquire"
	for attempt := 0; attempt < maxLeaseConflicts; attempt++ {
		acquired, err := s.tryAcquireOnce(ctx, lockName, token, limit, heldUntil)
		if errors.Is(err, errLeaseConflict) {
			continue
		}
		if err != nil {
			return false, exception.NewRetryableError(op, fmt.Sprintf("failed to acquire '%s'", lockName), err)
		}
		return acquired, nil
	}
	return false, exception.NewRetryableError(op, fmt.Sprintf("lock '%s' is contended", lockName), errLeaseConflict)
}

func (s *LeaseStore) tryAcquireOnce(ctx context.Context, lockName, token string, limit int, heldUntil time.Time) (bool, error) {
	acquired := false
	err := s.conn.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&leaseEntity{LockName: lockName, LockLimit: limit}).Error; err != nil {
			return err
		}
		var lock leaseEntity
		if err := tx.Where("lock_name = ?", lockName).Take(&lock).Error; err != nil {
			return err
		}
		var holders []holderEntity
		if err := tx.Where("lock_name = ?", lockName).Find(&holders).Error; err != nil {
			return err
		}

		held := false
		for _, h := range holders {
			if h.Token == token {
				held = true
				break
			}
		}
		switch {
		case held:
			if err := tx.Model(&holderEntity{}).Where("lock_name = ? AND token = ?", lockName, token).
				Update("held_until", dbTime(heldUntil)).Error; err != nil {
				return err
			}
		case len(holders) < limit:
			if err := tx.Create(&holderEntity{LockName: lockName, Token: token, HeldUntil: dbTime(heldUntil)}).Error; err != nil {
				return err
			}
		default:
			return nil
		}

		res := tx.Model(&leaseEntity{}).
			Where("lock_name = ? AND version = ?", lockName, lock.Version).
			Updates(map[string]interface{}{"version": lock.Version + 1, "lock_limit": limit})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errLeaseConflict
		}
		acquired = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return acquired, nil
}

func (s *LeaseStore) Renew(ctx context.Context, lockName, token string, heldUntil time.Time) (bool, error) {
	const op = "SQLLeaseStore.Renew"
	res := s.conn.DB(ctx).Model(&holderEntity{}).
		Where("lock_name = ? AND token = ?", lockName, token).
		Update("held_until", dbTime(heldUntil))
	if res.Error != nil {
		return false, exception.NewRetryableError(op, fmt.Sprintf("failed to renew '%s' for '%s'", lockName, token), res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *LeaseStore) Release(ctx context.Context, lockName, token string) error {
	const op = "SQLLeaseStore.Release"
	err := s.conn.DB(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("lock_name = ? AND token = ?", lockName, token).Delete(&holderEntity{})
		if res.Error != nil || res.RowsAffected == 0 {
			return res.Error
		}
		return bumpVersion(tx, lockName)
	})
	if err != nil {
		return exception.NewRetryableError(op, fmt.Sprintf("failed to release '%s' for '%s'", lockName, token), err)
	}
	return nil
}

func (s *LeaseStore) Get(ctx context.Context, lockName string) (*model.SemaphoreLease, error) {
	const op = "SQLLeaseStore.Get"
	db := s.conn.DB(ctx)
	var lock leaseEntity
	err := db.Where("lock_name = ?", lockName).Take(&lock).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.NewSemaphoreLease(lockName, 0), nil
	}
	if err != nil {
		return nil, exception.NewRetryableError(op, fmt.Sprintf("failed to load lock '%s'", lockName), err)
	}
	var holders []holderEntity
	if err := db.Where("lock_name = ?", lockName).Find(&holders).Error; err != nil {
		return nil, exception.NewRetryableError(op, fmt.Sprintf("failed to load holders of '%s'", lockName), err)
	}
	lease := model.NewSemaphoreLease(lockName, lock.LockLimit)
	lease.Version = lock.Version
	for _, h := range holders {
		lease.Holders[h.Token] = h.HeldUntil.UTC()
	}
	return lease, nil
}

func (s *LeaseStore) ReapExpired(ctx context.Context, lockName string, cutoff time.Time) ([]string, error) {
	const op = "SQLLeaseStore.ReapExpired"
	var reaped []string
	err := s.conn.DB(ctx).Transaction(func(tx *gorm.DB) error {
		var expired []holderEntity
		if err := tx.Where("lock_name = ? AND held_until < ?", lockName, dbTime(cutoff)).Find(&expired).Error; err != nil {
			return err
		}
		if len(expired) == 0 {
			return nil
		}
		tokens := make([]string, 0, len(expired))
		for _, h := range expired {
			tokens = append(tokens, h.Token)
		}
		if err := tx.Where("lock_name = ? AND token IN ?", lockName, tokens).Delete(&holderEntity{}).Error; err != nil {
			return err
		}
		if err := bumpVersion(tx, lockName); err != nil {
			return err
		}
		reaped = tokens
		return nil
	})
	if err != nil {
		return nil, exception.NewRetryableError(op, fmt.Sprintf("failed to reap '%s'", lockName), err)
	}
	sort.Strings(reaped)
	return reaped, nil
}

func bumpVersion(tx *gorm.DB, lockName string) error {
	return tx.Model(&leaseEntity{}).Where("lock_name = ?", lockName).
		Update("version", gorm.Expr("version + 1")).Error
}
