// Package config loads the server configuration.
//
// A Loader starts from Defaults, merges each file layer over it and then
// applies OPENHIM_* environment overrides:
//
//	loader := config.NewLoader()
//	loader.AddLayer("configs/openhim.jsonc")
//	loader.AddLayer("configs/production.json") // overrides the first layer
//
//	cfg, err := loader.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// Layers are JSON and may carry // and /* */ comments. Only keys present in a
// layer replace the value below it; nested objects are merged key by key.
// Durations may be written as Go duration strings ("250ms", "2s") or as a
// number of days ("14d").
//
// Environment overrides:
//
//	OPENHIM_NATS_URLS           comma separated server URLs
//	OPENHIM_NATS_USERNAME       OPENHIM_NATS_PASSWORD       OPENHIM_NATS_TOKEN
//	OPENHIM_STORAGE_BACKEND     nats, redis or gridfs
//	OPENHIM_STORAGE_BUCKET      object store bucket
//	OPENHIM_REDIS_ADDR          OPENHIM_REDIS_PASSWORD      OPENHIM_REDIS_DB
//	OPENHIM_MONGO_URI           OPENHIM_MONGO_DATABASE
//	OPENHIM_CHUNKS_COMPRESSION  none, lz4 or zstd
//	OPENHIM_REPOSITORY_BACKEND  sqlite or kv
//	OPENHIM_REPOSITORY_PATH     OPENHIM_REPOSITORY_SEED
//	OPENHIM_API_PORT            OPENHIM_API_TRUNCATE_SIZE   OPENHIM_METRICS_PORT
//
// Layers are read defensively: only .json and .jsonc regular files under the
// working directory (or given by absolute path), at most 1 MiB and 32 levels
// deep.
package config
