package configuration

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"k8s.io/apimachinery/pkg/api/resource"

	commonconfig "github.com/ngageoint/scale/internal/common/config"
	"github.com/ngageoint/scale/internal/scheduler/queue"
	"github.com/ngageoint/scale/internal/scheduler/schedulerobjects"
)

const (
	// StandaloneLeaderMode means there is exactly one scheduler and it is always leader.
	StandaloneLeaderMode = "standalone"
	// KubernetesLeaderMode elects the leader with a Kubernetes lease.
	KubernetesLeaderMode = "kubernetes"
	// EtcdLeaderMode elects the leader with an etcd election.
	EtcdLeaderMode = "etcd"
)

// EnvBindings maps config keys to the environment variables that set them outside the SCALE_ prefix.
var EnvBindings = map[string]string{
	"schedulerId":                   "SCHEDULER_ID",
	"leader.coordinationUrl":        "LEADER_COORDINATION_URL",
	"scheduling.queueMode":          "QUEUE_MODE",
	"scheduling.offerTtlSeconds":    "OFFER_TTL_SECONDS",
	"scheduling.maxBindingsPerPass": "MAX_BINDINGS_PER_PASS",
	"messaging.backendUrl":          "MSG_BACKEND_URL",
	"messaging.numHandlers":         "NUM_MESSAGE_HANDLERS",
	"messaging.dedupUrl":            "DEDUP_URL",
}

type Configuration struct {
	// Identifies this instance. Also the identity it campaigns for leadership with.
	SchedulerID string `validate:"required"`
	Leader      LeaderConfig
	Database    commonconfig.DatabaseConfig
	Messaging   MessagingConfig
	// Used when the message backend is pulsar.
	Pulsar commonconfig.PulsarConfig
	// Used when the dedup store is redis. Addresses come from the dedup URL.
	Redis      commonconfig.RedisConfig `validate:"-"`
	Cluster    ClusterConfig
	Scheduling SchedulingConfig
	Launcher   LauncherConfig
	Ingestor   IngestorConfig
	Cleanup    CleanupConfig
	// How often node, workspace and job type registries are rebuilt from the database.
	SyncInterval time.Duration `validate:"required"`
	// Port on which /metrics and /health are served.
	HttpPort uint16 `validate:"required"`
	// How long shutdown waits for background loops.
	ShutdownTimeout time.Duration
}

type LeaderConfig struct {
	// Empty means standalone. Otherwise kubernetes://<namespace>/<lease> or etcd://<host:port>,<host:port>/<prefix>.
	CoordinationUrl string
	// How long a lease is held without renewal.
	LeaseDuration time.Duration
	// How long the leader keeps retrying to renew before giving up. Kubernetes only.
	RenewDeadline time.Duration
	// Interval between attempts to acquire or renew the lease.
	RetryPeriod time.Duration
	// How often the scheduler checks it still holds its leader token.
	PollInterval time.Duration
	// Etcd only.
	DialTimeout time.Duration
	// Client rate limits for the Kubernetes API.
	QPS   float32
	Burst int
}

type MessagingConfig struct {
	// memory://, sql:// or pulsar://host:port/<topic>
	BackendUrl string `validate:"required"`
	// Empty or memory:// for an in-process dedup cache, redis://host:port/<db> for a shared one.
	DedupUrl string
	// How long a record of a processed message is kept.
	DedupTTL    time.Duration
	NumHandlers int `validate:"gte=1"`
	// How long a received message stays invisible to other consumers.
	VisibilityTimeout time.Duration `validate:"required"`
	ReceiveBatch      int           `validate:"gte=1"`
	MaxAttempts       int           `validate:"gte=1"`
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	BackoffJitter     float64 `validate:"gte=0,lt=1"`
	PollInterval      time.Duration
	OutboxInterval    time.Duration
}

type ClusterConfig struct {
	// Either "mesos" or "fake".
	Adapter string `validate:"required,oneof=mesos fake"`
	Mesos   MesosConfig
	// Whether the fake adapter holds the unused part of a partially accepted offer.
	FakePartialAccept bool
}

type MesosConfig struct {
	Master          string
	User            string
	Name            string
	Role            string
	FailoverTimeout time.Duration
	RefuseSeconds   float64
	RequestTimeout  time.Duration
}

type SchedulingConfig struct {
	// FIFO or LIFO. Only decides ties between entries of equal effective priority.
	QueueMode string `validate:"omitempty,oneof=FIFO LIFO"`
	// An entry's effective priority drops by one for every AgeInterval it has been queued.
	AgeInterval time.Duration `validate:"required"`
	MinPriority int
	// Offers older than this are declined.
	OfferTTLSeconds int `validate:"gte=1"`
	// Offers that survive more than this many passes are declined.
	MaxGenerations     int `validate:"gte=0"`
	MaxBindingsPerPass int `validate:"gte=1"`
	// Zero means unlimited.
	MaxTasksPerNode int
	StickyTTL       time.Duration
	BlockAfterScans int `validate:"gte=1"`
	// Minimum time between the start of two matcher passes.
	PassFloor   time.Duration `validate:"required"`
	SlowPassLog time.Duration
}

type LauncherConfig struct {
	LaunchAckTimeout time.Duration `validate:"required"`
	MaxLaunchRetries int           `validate:"gte=1"`
	// Running timeouts by task type for job types that don't set their own.
	DefaultTimeouts map[schedulerobjects.TaskType]time.Duration
	MonitorInterval time.Duration
	DispatchBuffer  int
}

type IngestorConfig struct {
	FlushInterval time.Duration `validate:"required"`
	MaxBatch      int           `validate:"gte=1"`
	SlowFlush     time.Duration
	DedupWindow   int `validate:"gte=1"`
	WriteAttempts uint
	WriteDelay    time.Duration
}

type CleanupConfig struct {
	// Resources drawn from the agent's offers for each cleanup task.
	Resources   map[string]resource.Quantity
	MaxFailures int `validate:"gte=1"`
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	TaskTimeout time.Duration
	Interval    time.Duration `validate:"required"`
}

func (c SchedulingConfig) OfferTTL() time.Duration {
	return time.Duration(c.OfferTTLSeconds) * time.Second
}

func (c SchedulingConfig) Mode() (queue.Mode, error) {
	return queue.ParseMode(c.QueueMode)
}

// LeaderMode reports which leader controller the coordination url selects.
func (c LeaderConfig) LeaderMode() string {
	if c.CoordinationUrl == "" {
		return StandaloneLeaderMode
	}
	for _, mode := range []string{KubernetesLeaderMode, EtcdLeaderMode} {
		if strings.HasPrefix(c.CoordinationUrl, mode+"://") {
			return mode
		}
	}
	return ""
}

func (c Configuration) Validate() error {
	validate := validator.New()
	validate.RegisterStructValidation(validateLeaderConfig, LeaderConfig{})
	return validate.Struct(c)
}

func validateLeaderConfig(sl validator.StructLevel) {
	c := sl.Current().Interface().(LeaderConfig)
	switch c.LeaderMode() {
	case StandaloneLeaderMode:
	case KubernetesLeaderMode:
		if c.RenewDeadline <= 0 || c.RenewDeadline >= c.LeaseDuration {
			sl.ReportError(c.RenewDeadline, "RenewDeadline", "RenewDeadline", "ltfield", "LeaseDuration")
		}
		if c.RetryPeriod <= 0 {
			sl.ReportError(c.RetryPeriod, "RetryPeriod", "RetryPeriod", "required", "")
		}
	case EtcdLeaderMode:
		if c.LeaseDuration < time.Second {
			sl.ReportError(c.LeaseDuration, "LeaseDuration", "LeaseDuration", "gte", "1s")
		}
	default:
		sl.ReportError(c.CoordinationUrl, "CoordinationUrl", "CoordinationUrl", "oneof", "kubernetes:// etcd://")
	}
}
