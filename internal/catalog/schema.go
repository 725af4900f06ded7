package catalog

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
)

// Bucket names in BoltDB.
var (
	bucketSystem       = []byte("system")
	keySchemaVersion   = []byte("schema_version")
	bucketMedia        = []byte("media")
	bucketMediaNames   = []byte("media_names")
	bucketPools        = []byte("pools")
	bucketPoolNames    = []byte("pool_names")
	bucketJobs         = []byte("jobs")
	bucketJobNames     = []byte("job_names")
	bucketJobMedia     = []byte("jobmedia")
	bucketClients      = []byte("clients")
	bucketClientNames  = []byte("client_names")
	bucketStorages     = []byte("storages")
	bucketStorageNames = []byte("storage_names")
	bucketFiles        = []byte("files")

	// Schema v2: secondary JobMedia indexes keyed by (MediaId, JobMediaId) and (JobId, JobMediaId).
	bucketJobMediaByMedia = []byte("jobmedia_by_media")
	bucketJobMediaByJob   = []byte("jobmedia_by_job")
)

const currentSchemaVersion = 2

var v1Buckets = [][]byte{
	bucketMedia, bucketMediaNames,
	bucketPools, bucketPoolNames,
	bucketJobs, bucketJobNames,
	bucketJobMedia,
	bucketClients, bucketClientNames,
	bucketStorages, bucketStorageNames,
	bucketFiles,
}

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func pairKey(a, b uint64) []byte {
	k := make([]byte, 16)
	binary.BigEndian.PutUint64(k[:8], a)
	binary.BigEndian.PutUint64(k[8:], b)
	return k
}

func encode[T any](v *T) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode[T any](data []byte) (*T, error) {
	var v T
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return nil, err
	}
	return &v, nil
}
