package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/jittakal/kaftraffic/pkg/storage"
	"github.com/jittakal/kaftraffic/pkg/traffic"
)

// Ensure implementations satisfy interfaces.
var (
	_ storage.Router         = (*DefaultRouter)(nil)
	_ storage.RotationPolicy = (*CompositePolicy)(nil)
)

// DefaultRouter implements Hive-style partitioning for storage paths.
type DefaultRouter struct {
	protocol string
	bucket   string
	basePath string
	version  string
}

// NewRouter creates a new storage router.
func NewRouter(protocol, bucket, basePath, version string) *DefaultRouter {
	return &DefaultRouter{
		protocol: protocol,
		bucket:   bucket,
		basePath: strings.Trim(basePath, "/"),
		version:  version,
	}
}

// Route returns the storage path for a partition at the given timestamp:
//
//	protocol://bucket/basePath/topic/version/dt=YYYY-MM-DD/hr=HH/pid=N/
//
// timestamp is the first observation time of the batch, so replays of old
// traffic land in the day they were captured. A non-empty schemaVersion
// overrides the default version; "1.2" becomes "v12".
func (r *DefaultRouter) Route(partition traffic.TopicPartition, timestamp int64, schemaVersion string) string {
	t := time.Unix(timestamp, 0).UTC()

	version := r.version
	if v := strings.ReplaceAll(schemaVersion, ".", ""); v != "" {
		version = "v" + v
	}

	segments := make([]string, 0, 6)
	if r.basePath != "" {
		segments = append(segments, r.basePath)
	}
	segments = append(segments,
		partition.Topic,
		version,
		"dt="+t.Format("2006-01-02"),
		"hr="+t.Format("15"),
		fmt.Sprintf("pid=%d", partition.Partition),
	)

	return fmt.Sprintf("%s://%s/%s/", r.protocol, r.bucket, strings.Join(segments, "/"))
}

// NewPolicy creates a new rotation policy (alias for NewCompositePolicy).
func NewPolicy(config PolicyConfig) *CompositePolicy {
	return NewCompositePolicy(config)
}

// Rotation strategies.
const (
	StrategyAny = "any"
	StrategyAll = "all"
)

// PolicyConfig configures rotation behavior. Zero disables a limit.
// Strategy "any" rotates on the first limit reached, "all" only once every
// enabled limit is reached.
type PolicyConfig struct {
	MaxFileSizeMB      int64
	MaxRecordsPerFile  int
	MaxDurationSeconds int
	Strategy           string
}

// CompositePolicy rotates based on size, count and age.
type CompositePolicy struct {
	maxSizeBytes int64
	maxRecords   int
	maxDuration  time.Duration
	requireAll   bool
	now          func() time.Time
}

// NewCompositePolicy creates a new composite rotation policy.
func NewCompositePolicy(config PolicyConfig) *CompositePolicy {
	return &CompositePolicy{
		maxSizeBytes: config.MaxFileSizeMB * 1024 * 1024,
		maxRecords:   config.MaxRecordsPerFile,
		maxDuration:  time.Duration(config.MaxDurationSeconds) * time.Second,
		requireAll:   config.Strategy == StrategyAll,
		now:          time.Now,
	}
}

// MaxDuration returns the age limit, or zero when age is not a criterion.
func (p *CompositePolicy) MaxDuration() time.Duration {
	return p.maxDuration
}

// ShouldRotate reports whether a buffer with stats should be flushed.
func (p *CompositePolicy) ShouldRotate(stats traffic.FileStats) bool {
	if stats.RecordCount == 0 {
		return false
	}

	var enabled, reached int
	check := func(on, hit bool) {
		if on {
			enabled++
			if hit {
				reached++
			}
		}
	}
	check(p.maxSizeBytes > 0, stats.SizeBytes >= p.maxSizeBytes)
	check(p.maxRecords > 0, stats.RecordCount >= p.maxRecords)
	check(p.maxDuration > 0 && !stats.FirstWriteTime.IsZero(),
		p.now().Sub(stats.FirstWriteTime) >= p.maxDuration)

	if p.requireAll {
		return enabled > 0 && reached == enabled
	}
	return reached > 0
}
