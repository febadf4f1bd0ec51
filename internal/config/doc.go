/*
Package config loads the mount configuration.

Values are layered with increasing precedence:

	compiled-in defaults  (NewDefault)
	YAML file             (LoadFromFile, --config)
	environment           (LoadFromEnv, S3FUSE_*)
	command line flags    (applied by cmd/s3fuse)

Validate is called once all layers are applied. Sizes are strings such as "10GiB" and
are parsed with pkg/utils.ParseBytes; durations use Go duration syntax ("60s").

Example file:

	global:
	  log_level: info
	  log_format: json
	storage:
	  bucket: model-weights
	  region: us-east-1
	cache:
	  directory: /var/cache/s3fuse
	  max_size: 200GiB
	namespace:
	  attr_ttl: 60s
	fetch:
	  block_size: 4MiB
	  read_ahead_blocks: 4
	mount:
	  mount_point: /mnt/models
	  direct_io: true
*/
package config
