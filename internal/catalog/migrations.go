package catalog

import (
	"fmt"

	"go.etcd.io/bbolt"
)

// Migrate runs any pending schema migrations.
func (s *BoltStore) Migrate() error {
	var version uint64
	s.db.View(func(tx *bbolt.Tx) error {
		sys := tx.Bucket(bucketSystem)
		if sys == nil {
			return nil
		}
		v := sys.Get(keySchemaVersion)
		if v != nil {
			version = bytesToUint64(v)
		}
		return nil
	})

	if version < 2 {
		if err := s.migrateV1toV2(); err != nil {
			return fmt.Errorf("migration v1→v2: %w", err)
		}
	}

	return nil
}

// migrateV1toV2 builds the JobMedia secondary indexes from the existing JobMedia rows.
func (s *BoltStore) migrateV1toV2() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		byMedia, err := tx.CreateBucketIfNotExists(bucketJobMediaByMedia)
		if err != nil {
			return err
		}
		byJob, err := tx.CreateBucketIfNotExists(bucketJobMediaByJob)
		if err != nil {
			return err
		}

		if jmb := tx.Bucket(bucketJobMedia); jmb != nil {
			err := jmb.ForEach(func(_, v []byte) error {
				jm, err := decode[JobMediaRecord](v)
				if err != nil {
					return err
				}
				if err := byMedia.Put(pairKey(jm.MediaId, jm.JobMediaId), []byte{}); err != nil {
					return err
				}
				return byJob.Put(pairKey(jm.JobId, jm.JobMediaId), []byte{})
			})
			if err != nil {
				return err
			}
		}

		sys := tx.Bucket(bucketSystem)
		if sys == nil {
			return fmt.Errorf("system bucket not found")
		}
		return sys.Put(keySchemaVersion, uint64ToBytes(2))
	})
}
