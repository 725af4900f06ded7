package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/gftdcojp/media-director/internal/types"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var (
	ErrNotFound = errors.New("catalog: record not found")
	ErrExists   = errors.New("catalog: record already exists")
)

// Store is the narrow CRUD surface the volume engine consumes.
type Store interface {
	CreateMediaRecord(ctx context.Context, mr *MediaRecord) error
	GetMediaRecord(ctx context.Context, mediaId uint64) (*MediaRecord, error)
	GetMediaByName(ctx context.Context, name string) (*MediaRecord, error)
	UpdateMediaRecord(ctx context.Context, mr *MediaRecord) error
	DeleteMediaRecord(ctx context.Context, mediaId uint64) error
	MoveMediaToPool(ctx context.Context, mediaId, poolId uint64) error
	ListMedia(ctx context.Context, f MediaFilter) ([]MediaRecord, error)
	FindNextVolume(ctx context.Context, q VolumeQuery) (*MediaRecord, error)

	CreatePoolRecord(ctx context.Context, pr *PoolRecord) error
	GetPoolRecord(ctx context.Context, poolId uint64) (*PoolRecord, error)
	GetPoolByName(ctx context.Context, name string) (*PoolRecord, error)
	UpdatePoolRecord(ctx context.Context, pr *PoolRecord) error
	ListPools(ctx context.Context) ([]PoolRecord, error)

	CreateClientRecord(ctx context.Context, cr *ClientRecord) error
	GetClientRecord(ctx context.Context, clientId uint64) (*ClientRecord, error)
	GetClientByName(ctx context.Context, name string) (*ClientRecord, error)
	UpdateClientRecord(ctx context.Context, cr *ClientRecord) error
	ListClients(ctx context.Context) ([]ClientRecord, error)

	CreateStorageRecord(ctx context.Context, sr *StorageRecord) error
	GetStorageByName(ctx context.Context, name string) (*StorageRecord, error)

	CreateJobRecord(ctx context.Context, jr *JobRecord) error
	GetJobRecord(ctx context.Context, jobId uint64) (*JobRecord, error)
	GetJobByName(ctx context.Context, job string) (*JobRecord, error)
	UpdateJobRecord(ctx context.Context, jr *JobRecord) error
	ListJobs(ctx context.Context, f JobFilter) ([]JobRecord, error)
	DeleteJobs(ctx context.Context, jobIds []uint64) (int, error)

	CreateJobMediaRecord(ctx context.Context, jm *JobMediaRecord) error
	ListJobMedia(ctx context.Context, mediaId uint64) ([]JobMediaRecord, error)
	CountJobMedia(ctx context.Context, mediaId uint64) (int, error)
	GetVolumeJobIDs(ctx context.Context, mediaId uint64) ([]uint64, error)
	DeleteOrphanJobMedia(ctx context.Context) (int, error)

	AddFiles(ctx context.Context, jobId uint64, n uint64) error
	CountFiles(ctx context.Context, jobId uint64) (uint64, error)
	PurgeFiles(ctx context.Context, jobIds []uint64) error

	Ping() error
	Close() error
}

// BoltStore implements Store using bbolt (BoltDB).
type BoltStore struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// NewBoltStore opens or creates a BoltDB catalog.
func NewBoltStore(path string, logger *zap.Logger) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}

	s := &BoltStore{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *BoltStore) initSchema() error {
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		sys, err := tx.CreateBucketIfNotExists(bucketSystem)
		if err != nil {
			return err
		}
		fresh := sys.Get(keySchemaVersion) == nil
		for _, name := range v1Buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		if fresh {
			for _, name := range [][]byte{bucketJobMediaByMedia, bucketJobMediaByJob} {
				if _, err := tx.CreateBucketIfNotExists(name); err != nil {
					return err
				}
			}
			return sys.Put(keySchemaVersion, uint64ToBytes(currentSchemaVersion))
		}
		return nil
	}); err != nil {
		return err
	}
	return s.Migrate()
}

func putRecord[T any](b *bbolt.Bucket, id uint64, v *T) error {
	data, err := encode(v)
	if err != nil {
		return err
	}
	return b.Put(uint64ToBytes(id), data)
}

func getRecord[T any](b *bbolt.Bucket, id uint64) (*T, error) {
	raw := b.Get(uint64ToBytes(id))
	if raw == nil {
		return nil, ErrNotFound
	}
	return decode[T](raw)
}

func lookupName(b *bbolt.Bucket, name string) (uint64, bool) {
	v := b.Get([]byte(name))
	if v == nil {
		return 0, false
	}
	return bytesToUint64(v), true
}

// ---- Media ----

func (s *BoltStore) CreateMediaRecord(_ context.Context, mr *MediaRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		names := tx.Bucket(bucketMediaNames)
		if _, ok := lookupName(names, mr.VolumeName); ok {
			return fmt.Errorf("volume %q: %w", mr.VolumeName, ErrExists)
		}
		media := tx.Bucket(bucketMedia)
		id, err := media.NextSequence()
		if err != nil {
			return err
		}
		mr.MediaId = id
		if err := putRecord(media, id, mr); err != nil {
			return err
		}
		if err := names.Put([]byte(mr.VolumeName), uint64ToBytes(id)); err != nil {
			return err
		}
		return adjustNumVols(tx, mr.PoolId, 1)
	})
}

func (s *BoltStore) GetMediaRecord(_ context.Context, mediaId uint64) (*MediaRecord, error) {
	var mr *MediaRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		mr, err = getRecord[MediaRecord](tx.Bucket(bucketMedia), mediaId)
		if err != nil {
			return fmt.Errorf("media %d: %w", mediaId, err)
		}
		return nil
	})
	return mr, err
}

func (s *BoltStore) GetMediaByName(_ context.Context, name string) (*MediaRecord, error) {
	var mr *MediaRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		id, ok := lookupName(tx.Bucket(bucketMediaNames), name)
		if !ok {
			return fmt.Errorf("volume %q: %w", name, ErrNotFound)
		}
		var err error
		mr, err = getRecord[MediaRecord](tx.Bucket(bucketMedia), id)
		return err
	})
	return mr, err
}

func (s *BoltStore) UpdateMediaRecord(_ context.Context, mr *MediaRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		media := tx.Bucket(bucketMedia)
		old, err := getRecord[MediaRecord](media, mr.MediaId)
		if err != nil {
			return fmt.Errorf("media %d: %w", mr.MediaId, err)
		}
		if old.VolumeName != mr.VolumeName {
			names := tx.Bucket(bucketMediaNames)
			if _, ok := lookupName(names, mr.VolumeName); ok {
				return fmt.Errorf("volume %q: %w", mr.VolumeName, ErrExists)
			}
			if err := names.Delete([]byte(old.VolumeName)); err != nil {
				return err
			}
			if err := names.Put([]byte(mr.VolumeName), uint64ToBytes(mr.MediaId)); err != nil {
				return err
			}
		}
		if old.PoolId != mr.PoolId {
			if err := adjustNumVols(tx, old.PoolId, -1); err != nil {
				return err
			}
			if err := adjustNumVols(tx, mr.PoolId, 1); err != nil {
				return err
			}
		}
		return putRecord(media, mr.MediaId, mr)
	})
}

func (s *BoltStore) DeleteMediaRecord(_ context.Context, mediaId uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		media := tx.Bucket(bucketMedia)
		mr, err := getRecord[MediaRecord](media, mediaId)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := media.Delete(uint64ToBytes(mediaId)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketMediaNames).Delete([]byte(mr.VolumeName)); err != nil {
			return err
		}
		return adjustNumVols(tx, mr.PoolId, -1)
	})
}

// MoveMediaToPool reassigns a volume and moves one unit of NumVols between the pools.
func (s *BoltStore) MoveMediaToPool(_ context.Context, mediaId, poolId uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		media := tx.Bucket(bucketMedia)
		mr, err := getRecord[MediaRecord](media, mediaId)
		if err != nil {
			return fmt.Errorf("media %d: %w", mediaId, err)
		}
		if mr.PoolId == poolId {
			return nil
		}
		if _, err := getRecord[PoolRecord](tx.Bucket(bucketPools), poolId); err != nil {
			return fmt.Errorf("pool %d: %w", poolId, err)
		}
		if err := adjustNumVols(tx, mr.PoolId, -1); err != nil {
			return err
		}
		if err := adjustNumVols(tx, poolId, 1); err != nil {
			return err
		}
		mr.PoolId = poolId
		return putRecord(media, mediaId, mr)
	})
}

func adjustNumVols(tx *bbolt.Tx, poolId uint64, delta int) error {
	if poolId == 0 {
		return nil
	}
	pools := tx.Bucket(bucketPools)
	pr, err := getRecord[PoolRecord](pools, poolId)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	switch {
	case delta < 0 && pr.NumVols > 0:
		pr.NumVols--
	case delta > 0:
		pr.NumVols++
	}
	return putRecord(pools, poolId, pr)
}

func (s *BoltStore) ListMedia(_ context.Context, f MediaFilter) ([]MediaRecord, error) {
	var out []MediaRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMedia).ForEach(func(_, v []byte) error {
			mr, err := decode[MediaRecord](v)
			if err != nil {
				return err
			}
			if len(f.PoolIds) > 0 && !slices.Contains(f.PoolIds, mr.PoolId) {
				return nil
			}
			if f.MediaType != "" && mr.MediaType != f.MediaType {
				return nil
			}
			if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, mr.VolStatus) {
				return nil
			}
			if f.InChanger && (!mr.InChanger || (f.StorageId != 0 && mr.StorageId != f.StorageId)) {
				return nil
			}
			out = append(out, *mr)
			return nil
		})
	})
	sortOldestFirst(out)
	return out, err
}

// FindNextVolume returns the q.Index-th volume matching q. Recycle and Purged
// searches (and Oldest) are ordered least recently written first; all other
// searches prefer the most recently written volume.
func (s *BoltStore) FindNextVolume(_ context.Context, q VolumeQuery) (*MediaRecord, error) {
	var candidates []MediaRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMedia).ForEach(func(_, v []byte) error {
			mr, err := decode[MediaRecord](v)
			if err != nil {
				return err
			}
			if mr.PoolId != q.PoolId || mr.Enabled != types.VolEnabledState {
				return nil
			}
			if q.MediaType != "" && mr.MediaType != q.MediaType {
				return nil
			}
			if slices.Contains(q.Unwanted, mr.VolumeName) {
				return nil
			}
			if q.Oldest {
				switch mr.VolStatus {
				case types.VolFull, types.VolRecycle, types.VolPurged, types.VolUsed, types.VolAppend:
					candidates = append(candidates, *mr)
				}
				return nil
			}
			if mr.VolStatus != q.VolStatus {
				return nil
			}
			if (q.VolStatus == types.VolRecycle || q.VolStatus == types.VolPurged) && !mr.Recycle {
				return nil
			}
			if q.InChanger && (!mr.InChanger || (q.StorageId != 0 && mr.StorageId != q.StorageId)) {
				return nil
			}
			candidates = append(candidates, *mr)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if q.Oldest || q.VolStatus == types.VolRecycle || q.VolStatus == types.VolPurged {
		sortOldestFirst(candidates)
	} else {
		sortMostRecentFirst(candidates)
	}

	idx := q.Index
	if idx < 1 {
		idx = 1
	}
	if idx > len(candidates) {
		return nil, ErrNotFound
	}
	mr := candidates[idx-1]
	return &mr, nil
}

func sortOldestFirst(m []MediaRecord) {
	sort.SliceStable(m, func(i, j int) bool {
		if !m[i].LastWritten.Equal(m[j].LastWritten) {
			return m[i].LastWritten.Before(m[j].LastWritten)
		}
		return m[i].MediaId < m[j].MediaId
	})
}

// sortMostRecentFirst orders written volumes newest first and never-written ones last.
func sortMostRecentFirst(m []MediaRecord) {
	sort.SliceStable(m, func(i, j int) bool {
		zi, zj := m[i].LastWritten.IsZero(), m[j].LastWritten.IsZero()
		if zi != zj {
			return !zi
		}
		if !m[i].LastWritten.Equal(m[j].LastWritten) {
			return m[i].LastWritten.After(m[j].LastWritten)
		}
		return m[i].MediaId < m[j].MediaId
	})
}

// ---- Pools ----

func (s *BoltStore) CreatePoolRecord(_ context.Context, pr *PoolRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		names := tx.Bucket(bucketPoolNames)
		if _, ok := lookupName(names, pr.Name); ok {
			return fmt.Errorf("pool %q: %w", pr.Name, ErrExists)
		}
		pools := tx.Bucket(bucketPools)
		id, err := pools.NextSequence()
		if err != nil {
			return err
		}
		pr.PoolId = id
		pr.NumVols = 0
		if err := putRecord(pools, id, pr); err != nil {
			return err
		}
		return names.Put([]byte(pr.Name), uint64ToBytes(id))
	})
}

func (s *BoltStore) GetPoolRecord(_ context.Context, poolId uint64) (*PoolRecord, error) {
	var pr *PoolRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		pr, err = getRecord[PoolRecord](tx.Bucket(bucketPools), poolId)
		if err != nil {
			return fmt.Errorf("pool %d: %w", poolId, err)
		}
		return nil
	})
	return pr, err
}

func (s *BoltStore) GetPoolByName(_ context.Context, name string) (*PoolRecord, error) {
	var pr *PoolRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		id, ok := lookupName(tx.Bucket(bucketPoolNames), name)
		if !ok {
			return fmt.Errorf("pool %q: %w", name, ErrNotFound)
		}
		var err error
		pr, err = getRecord[PoolRecord](tx.Bucket(bucketPools), id)
		return err
	})
	return pr, err
}

// UpdatePoolRecord stores pr with NumVols recomputed from the Media rows of the pool.
func (s *BoltStore) UpdatePoolRecord(_ context.Context, pr *PoolRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		pools := tx.Bucket(bucketPools)
		old, err := getRecord[PoolRecord](pools, pr.PoolId)
		if err != nil {
			return fmt.Errorf("pool %d: %w", pr.PoolId, err)
		}
		if old.Name != pr.Name {
			return fmt.Errorf("pool %d: renaming %q to %q is not supported", pr.PoolId, old.Name, pr.Name)
		}
		var n uint32
		if err := tx.Bucket(bucketMedia).ForEach(func(_, v []byte) error {
			mr, err := decode[MediaRecord](v)
			if err != nil {
				return err
			}
			if mr.PoolId == pr.PoolId {
				n++
			}
			return nil
		}); err != nil {
			return err
		}
		pr.NumVols = n
		return putRecord(pools, pr.PoolId, pr)
	})
}

func (s *BoltStore) ListPools(_ context.Context) ([]PoolRecord, error) {
	var out []PoolRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPools).ForEach(func(_, v []byte) error {
			pr, err := decode[PoolRecord](v)
			if err != nil {
				return err
			}
			out = append(out, *pr)
			return nil
		})
	})
	return out, err
}

// ---- Clients and storages ----

func (s *BoltStore) CreateClientRecord(_ context.Context, cr *ClientRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		names := tx.Bucket(bucketClientNames)
		if _, ok := lookupName(names, cr.Name); ok {
			return fmt.Errorf("client %q: %w", cr.Name, ErrExists)
		}
		clients := tx.Bucket(bucketClients)
		id, err := clients.NextSequence()
		if err != nil {
			return err
		}
		cr.ClientId = id
		if err := putRecord(clients, id, cr); err != nil {
			return err
		}
		return names.Put([]byte(cr.Name), uint64ToBytes(id))
	})
}

func (s *BoltStore) GetClientRecord(_ context.Context, clientId uint64) (*ClientRecord, error) {
	var cr *ClientRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		cr, err = getRecord[ClientRecord](tx.Bucket(bucketClients), clientId)
		if err != nil {
			return fmt.Errorf("client %d: %w", clientId, err)
		}
		return nil
	})
	return cr, err
}

func (s *BoltStore) GetClientByName(_ context.Context, name string) (*ClientRecord, error) {
	var cr *ClientRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		id, ok := lookupName(tx.Bucket(bucketClientNames), name)
		if !ok {
			return fmt.Errorf("client %q: %w", name, ErrNotFound)
		}
		var err error
		cr, err = getRecord[ClientRecord](tx.Bucket(bucketClients), id)
		return err
	})
	return cr, err
}

func (s *BoltStore) UpdateClientRecord(_ context.Context, cr *ClientRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		clients := tx.Bucket(bucketClients)
		if _, err := getRecord[ClientRecord](clients, cr.ClientId); err != nil {
			return fmt.Errorf("client %d: %w", cr.ClientId, err)
		}
		return putRecord(clients, cr.ClientId, cr)
	})
}

func (s *BoltStore) ListClients(_ context.Context) ([]ClientRecord, error) {
	var out []ClientRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketClients).ForEach(func(_, v []byte) error {
			cr, err := decode[ClientRecord](v)
			if err != nil {
				return err
			}
			out = append(out, *cr)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) CreateStorageRecord(_ context.Context, sr *StorageRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		names := tx.Bucket(bucketStorageNames)
		if _, ok := lookupName(names, sr.Name); ok {
			return fmt.Errorf("storage %q: %w", sr.Name, ErrExists)
		}
		storages := tx.Bucket(bucketStorages)
		id, err := storages.NextSequence()
		if err != nil {
			return err
		}
		sr.StorageId = id
		if err := putRecord(storages, id, sr); err != nil {
			return err
		}
		return names.Put([]byte(sr.Name), uint64ToBytes(id))
	})
}

func (s *BoltStore) GetStorageByName(_ context.Context, name string) (*StorageRecord, error) {
	var sr *StorageRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		id, ok := lookupName(tx.Bucket(bucketStorageNames), name)
		if !ok {
			return fmt.Errorf("storage %q: %w", name, ErrNotFound)
		}
		var err error
		sr, err = getRecord[StorageRecord](tx.Bucket(bucketStorages), id)
		return err
	})
	return sr, err
}

// ---- Jobs ----

func (s *BoltStore) CreateJobRecord(_ context.Context, jr *JobRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		names := tx.Bucket(bucketJobNames)
		if jr.Job != "" {
			if _, ok := lookupName(names, jr.Job); ok {
				return fmt.Errorf("job %q: %w", jr.Job, ErrExists)
			}
		}
		jobs := tx.Bucket(bucketJobs)
		id, err := jobs.NextSequence()
		if err != nil {
			return err
		}
		jr.JobId = id
		if err := putRecord(jobs, id, jr); err != nil {
			return err
		}
		if jr.Job == "" {
			return nil
		}
		return names.Put([]byte(jr.Job), uint64ToBytes(id))
	})
}

func (s *BoltStore) GetJobRecord(_ context.Context, jobId uint64) (*JobRecord, error) {
	var jr *JobRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		jr, err = getRecord[JobRecord](tx.Bucket(bucketJobs), jobId)
		if err != nil {
			return fmt.Errorf("job %d: %w", jobId, err)
		}
		return nil
	})
	return jr, err
}

func (s *BoltStore) GetJobByName(_ context.Context, job string) (*JobRecord, error) {
	var jr *JobRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		id, ok := lookupName(tx.Bucket(bucketJobNames), job)
		if !ok {
			return fmt.Errorf("job %q: %w", job, ErrNotFound)
		}
		var err error
		jr, err = getRecord[JobRecord](tx.Bucket(bucketJobs), id)
		return err
	})
	return jr, err
}

func (s *BoltStore) UpdateJobRecord(_ context.Context, jr *JobRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		old, err := getRecord[JobRecord](jobs, jr.JobId)
		if err != nil {
			return fmt.Errorf("job %d: %w", jr.JobId, err)
		}
		if old.Job != jr.Job {
			return fmt.Errorf("job %d: unique job name is immutable", jr.JobId)
		}
		return putRecord(jobs, jr.JobId, jr)
	})
}

func (s *BoltStore) ListJobs(_ context.Context, f JobFilter) ([]JobRecord, error) {
	var out []JobRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(_, v []byte) error {
			jr, err := decode[JobRecord](v)
			if err != nil {
				return err
			}
			if matchJob(jr, &f) {
				out = append(out, *jr)
			}
			return nil
		})
	})
	return out, err
}

func matchJob(jr *JobRecord, f *JobFilter) bool {
	switch {
	case f.ClientId != 0 && jr.ClientId != f.ClientId:
		return false
	case f.PoolId != 0 && jr.PoolId != f.PoolId:
		return false
	case f.FileSetId != 0 && jr.FileSetId != f.FileSetId:
		return false
	case f.PriorJobId != 0 && jr.PriorJobId != f.PriorJobId:
		return false
	case !f.Before.IsZero() && !jr.JobTDate.Before(f.Before):
		return false
	case len(f.Types) > 0 && !slices.Contains(f.Types, jr.Type):
		return false
	case len(f.Levels) > 0 && !slices.Contains(f.Levels, jr.Level):
		return false
	case f.Successful && !jr.JobStatus.Successful():
		return false
	}
	return true
}

// DeleteJobs removes the jobs together with their JobMedia and File rows.
func (s *BoltStore) DeleteJobs(_ context.Context, jobIds []uint64) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		for _, id := range jobIds {
			jr, err := getRecord[JobRecord](jobs, id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if err := deleteJobMediaForJob(tx, id); err != nil {
				return err
			}
			if err := tx.Bucket(bucketFiles).Delete(uint64ToBytes(id)); err != nil {
				return err
			}
			if jr.Job != "" {
				if err := tx.Bucket(bucketJobNames).Delete([]byte(jr.Job)); err != nil {
					return err
				}
			}
			if err := jobs.Delete(uint64ToBytes(id)); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

func deleteJobMediaForJob(tx *bbolt.Tx, jobId uint64) error {
	byJob := tx.Bucket(bucketJobMediaByJob)
	byMedia := tx.Bucket(bucketJobMediaByMedia)
	jmb := tx.Bucket(bucketJobMedia)

	prefix := uint64ToBytes(jobId)
	var keys [][]byte
	c := byJob.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		jmId := bytesToUint64(k[8:])
		jm, err := getRecord[JobMediaRecord](jmb, jmId)
		if err == nil {
			if err := byMedia.Delete(pairKey(jm.MediaId, jmId)); err != nil {
				return err
			}
		}
		if err := jmb.Delete(uint64ToBytes(jmId)); err != nil {
			return err
		}
		if err := byJob.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// ---- JobMedia ----

func (s *BoltStore) CreateJobMediaRecord(_ context.Context, jm *JobMediaRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := getRecord[JobRecord](tx.Bucket(bucketJobs), jm.JobId); err != nil {
			return fmt.Errorf("job %d: %w", jm.JobId, err)
		}
		if _, err := getRecord[MediaRecord](tx.Bucket(bucketMedia), jm.MediaId); err != nil {
			return fmt.Errorf("media %d: %w", jm.MediaId, err)
		}
		jmb := tx.Bucket(bucketJobMedia)
		id, err := jmb.NextSequence()
		if err != nil {
			return err
		}
		jm.JobMediaId = id

		// VolIndex counts the volumes this job has touched so far.
		byJob := tx.Bucket(bucketJobMediaByJob)
		prefix := uint64ToBytes(jm.JobId)
		var n uint32
		c := byJob.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			n++
		}
		jm.VolIndex = n + 1

		if err := putRecord(jmb, id, jm); err != nil {
			return err
		}
		if err := byJob.Put(pairKey(jm.JobId, id), []byte{}); err != nil {
			return err
		}
		return tx.Bucket(bucketJobMediaByMedia).Put(pairKey(jm.MediaId, id), []byte{})
	})
}

func (s *BoltStore) ListJobMedia(_ context.Context, mediaId uint64) ([]JobMediaRecord, error) {
	var out []JobMediaRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		jmb := tx.Bucket(bucketJobMedia)
		prefix := uint64ToBytes(mediaId)
		c := tx.Bucket(bucketJobMediaByMedia).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			jm, err := getRecord[JobMediaRecord](jmb, bytesToUint64(k[8:]))
			if err != nil {
				return err
			}
			out = append(out, *jm)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) CountJobMedia(ctx context.Context, mediaId uint64) (int, error) {
	jms, err := s.ListJobMedia(ctx, mediaId)
	return len(jms), err
}

// GetVolumeJobIDs returns the distinct jobs with data on the volume, ascending.
func (s *BoltStore) GetVolumeJobIDs(ctx context.Context, mediaId uint64) ([]uint64, error) {
	jms, err := s.ListJobMedia(ctx, mediaId)
	if err != nil {
		return nil, err
	}
	var ids []uint64
	for _, jm := range jms {
		if !slices.Contains(ids, jm.JobId) {
			ids = append(ids, jm.JobId)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// DeleteOrphanJobMedia removes JobMedia rows whose job or volume no longer exists.
func (s *BoltStore) DeleteOrphanJobMedia(_ context.Context) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		jmb := tx.Bucket(bucketJobMedia)
		jobs := tx.Bucket(bucketJobs)
		media := tx.Bucket(bucketMedia)
		var orphans []*JobMediaRecord
		if err := jmb.ForEach(func(_, v []byte) error {
			jm, err := decode[JobMediaRecord](v)
			if err != nil {
				return err
			}
			if jobs.Get(uint64ToBytes(jm.JobId)) == nil || media.Get(uint64ToBytes(jm.MediaId)) == nil {
				orphans = append(orphans, jm)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, jm := range orphans {
			if err := jmb.Delete(uint64ToBytes(jm.JobMediaId)); err != nil {
				return err
			}
			if err := tx.Bucket(bucketJobMediaByJob).Delete(pairKey(jm.JobId, jm.JobMediaId)); err != nil {
				return err
			}
			if err := tx.Bucket(bucketJobMediaByMedia).Delete(pairKey(jm.MediaId, jm.JobMediaId)); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// ---- Files ----

func (s *BoltStore) AddFiles(_ context.Context, jobId uint64, n uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		files := tx.Bucket(bucketFiles)
		var cur uint64
		if v := files.Get(uint64ToBytes(jobId)); v != nil {
			cur = bytesToUint64(v)
		}
		return files.Put(uint64ToBytes(jobId), uint64ToBytes(cur+n))
	})
}

func (s *BoltStore) CountFiles(_ context.Context, jobId uint64) (uint64, error) {
	var n uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketFiles).Get(uint64ToBytes(jobId)); v != nil {
			n = bytesToUint64(v)
		}
		return nil
	})
	return n, err
}

// PurgeFiles deletes the File rows of the jobs and flags them PurgedFiles.
func (s *BoltStore) PurgeFiles(_ context.Context, jobIds []uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		for _, id := range jobIds {
			if err := tx.Bucket(bucketFiles).Delete(uint64ToBytes(id)); err != nil {
				return err
			}
			jr, err := getRecord[JobRecord](jobs, id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			jr.PurgedFiles = true
			if err := putRecord(jobs, id, jr); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) Ping() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
