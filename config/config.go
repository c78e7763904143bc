// Package config defines the coldbrew configuration file format.
//
// The configuration is an explicit struct enumerating every recognized
// option. Defaults are applied before the file is decoded, so absent keys
// keep their default values, and the result is validated exactly once at
// load time.
package config

import (
	"bytes"
	"encoding/json"
	"os"

	"github.com/hashicorp/cronexpr"
	"github.com/natefinch/atomic"
	"github.com/pkg/errors"
)

// Config is the root configuration for the backup engine.
type Config struct {
	// Domain is the production domain the deployment serves. Used in
	// notification subjects and the post-recovery health probe.
	Domain string `json:"domain"`

	// BackupDir is the local system-of-record destination root.
	BackupDir string `json:"backupDir"`

	Retention RetentionConfig `json:"retention"`
	Schedule  ScheduleConfig  `json:"schedule"`
	Artifact  ArtifactConfig  `json:"artifact"`
	Sources   SourcesConfig   `json:"sources"`
	Remotes   []RemoteConfig  `json:"remotes,omitempty"`
	Limits    LimitsConfig    `json:"limits"`
	Notify    NotifyConfig    `json:"notify"`
	Services  ServicesConfig  `json:"services"`
}

// RetentionConfig controls the retention sweep.
type RetentionConfig struct {
	Days int `json:"days"`
}

// ScheduleConfig holds the cron cadences registered with the scheduler.
type ScheduleConfig struct {
	Incremental string `json:"incremental"`
	Full        string `json:"full"`
	Verify      string `json:"verify"`
	Monitor     string `json:"monitor"`
}

// ArtifactConfig controls how captured directories are encoded.
type ArtifactConfig struct {
	Compression bool `json:"compression"`
	Encryption  bool `json:"encryption"`

	// PassphraseRef is a secret reference (see the secrets package)
	// resolving to the encryption passphrase. Required when Encryption
	// is enabled.
	PassphraseRef string `json:"passphraseRef,omitempty"`
}

// SourcesConfig enables and configures the individual capture strategies.
type SourcesConfig struct {
	Postgres PostgresConfig    `json:"postgres"`
	Mongo    MongoConfig       `json:"mongo"`
	Files    FilesConfig       `json:"files"`
	Configs  ConfigFilesConfig `json:"configs"`
}

// PostgresConfig configures the relational database strategy.
type PostgresConfig struct {
	Enabled bool `json:"enabled"`

	// RunAsUser is the OS user the dump/restore utilities run as.
	RunAsUser string `json:"runAsUser"`
}

// MongoConfig configures the document database strategy.
type MongoConfig struct {
	Enabled bool `json:"enabled"`

	// URI is passed to mongodump/mongorestore when non-empty.
	URI string `json:"uri,omitempty"`
}

// FilesConfig configures the filesystem strategy.
type FilesConfig struct {
	Enabled bool `json:"enabled"`

	// Dirs are the application directories to capture.
	Dirs []string `json:"dirs"`

	// VolumeFilter selects docker named volumes by name prefix. Volume
	// capture is skipped when empty or when no container runtime is present.
	VolumeFilter string `json:"volumeFilter,omitempty"`
}

// ConfigFilesConfig configures the configuration-file strategy.
type ConfigFilesConfig struct {
	Enabled bool `json:"enabled"`

	// Paths are absolute files or directories captured by relative path.
	Paths []string `json:"paths"`
}

// Remote destination kinds.
const (
	RemoteS3    = "s3"
	RemoteSFTP  = "sftp"
	RemoteRsync = "rsync"
)

// RemoteConfig describes one remote mirror destination.
type RemoteConfig struct {
	Kind string `json:"kind"`

	// Required promotes failures of this destination from warnings to
	// run failures.
	Required bool `json:"required,omitempty"`

	// S3 options.
	Endpoint        string `json:"endpoint,omitempty"`
	Bucket          string `json:"bucket,omitempty"`
	Prefix          string `json:"prefix,omitempty"`
	Region          string `json:"region,omitempty"`
	AccessKeyRef    string `json:"accessKeyRef,omitempty"`
	SecretKeyRef    string `json:"secretKeyRef,omitempty"`
	DisableTLS      bool   `json:"disableTLS,omitempty"`
	DoNotVerifyTLS  bool   `json:"doNotVerifyTLS,omitempty"`

	// SFTP / rsync options.
	Host           string `json:"host,omitempty"`
	Port           int    `json:"port,omitempty"`
	Username       string `json:"username,omitempty"`
	Path           string `json:"path,omitempty"`
	KeyFile        string `json:"keyFile,omitempty"`
	KnownHostsFile string `json:"knownHostsFile,omitempty"`
}

// LimitsConfig holds admission and monitoring thresholds.
type LimitsConfig struct {
	MaxLoad            float64 `json:"maxLoad"`
	MinFreeSpaceGB     int     `json:"minFreeSpaceGB"`
	FreshnessHours     int     `json:"freshnessHours"`
	CapacityWarnPct    float64 `json:"capacityWarnPct"`
	CapacityCritPct    float64 `json:"capacityCritPct"`
	StuckProcessHours  int     `json:"stuckProcessHours"`
	LoadWaitPollSec    int     `json:"loadWaitPollSec"`
	LoadWaitTimeoutMin int     `json:"loadWaitTimeoutMin"`
}

// NotifyConfig configures the notification channel. All fields optional;
// when nothing is configured, alerts degrade to local logging.
type NotifyConfig struct {
	WebhookURL string `json:"webhookURL,omitempty"`

	SMTPServer   string `json:"smtpServer,omitempty"`
	SMTPPort     int    `json:"smtpPort,omitempty"`
	SMTPUsername string `json:"smtpUsername,omitempty"`
	SMTPPassRef  string `json:"smtpPassRef,omitempty"`
	From         string `json:"from,omitempty"`
	To           string `json:"to,omitempty"`
}

// ServicesConfig identifies the dependent services stopped and started
// around a recovery window.
type ServicesConfig struct {
	Units     []string `json:"units"`
	HealthURL string   `json:"healthURL,omitempty"`
}

// Default returns the configuration defaults.
func Default() Config {
	return Config{
		BackupDir: "/opt/coffeebreak/backups",
		Retention: RetentionConfig{Days: 30},
		Schedule: ScheduleConfig{
			Incremental: "0 2 * * *",
			Full:        "0 3 * * 0",
			Verify:      "0 4 * * *",
			Monitor:     "0 */6 * * *",
		},
		Artifact: ArtifactConfig{
			Compression: true,
			Encryption:  true,
		},
		Sources: SourcesConfig{
			Postgres: PostgresConfig{Enabled: true, RunAsUser: "postgres"},
			Mongo:    MongoConfig{Enabled: true},
			Files: FilesConfig{
				Enabled: true,
				Dirs: []string{
					"/opt/coffeebreak/data",
					"/opt/coffeebreak/uploads",
					"/opt/coffeebreak/plugins",
					"/var/log/coffeebreak",
				},
				VolumeFilter: "coffeebreak",
			},
			Configs: ConfigFilesConfig{
				Enabled: true,
				Paths: []string{
					"/opt/coffeebreak/config",
					"/opt/coffeebreak/.env",
					"/etc/nginx/sites-available/coffeebreak",
					"/etc/cron.d/coffeebreak",
					"/etc/logrotate.d/coffeebreak",
				},
			},
		},
		Limits: LimitsConfig{
			MaxLoad:            2.0,
			MinFreeSpaceGB:     5,
			FreshnessHours:     25,
			CapacityWarnPct:    80,
			CapacityCritPct:    90,
			StuckProcessHours:  4,
			LoadWaitPollSec:    60,
			LoadWaitTimeoutMin: 30,
		},
		Services: ServicesConfig{
			Units: []string{"coffeebreak-api", "coffeebreak-frontend", "coffeebreak-events"},
		},
	}
}

// Load reads, defaults and validates the configuration file at the given path.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "unable to read config file")
	}

	return Parse(b)
}

// Parse decodes configuration JSON over the defaults and validates the result.
func Parse(b []byte) (Config, error) {
	c := Default()

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()

	if err := dec.Decode(&c); err != nil {
		return Config{}, errors.Wrap(err, "invalid config file")
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}

	return c, nil
}

// Save writes the configuration file atomically.
func (c Config) Save(path string) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrap(err, "unable to marshal config")
	}

	return errors.Wrap(atomic.WriteFile(path, bytes.NewReader(append(b, '\n'))), "unable to write config file")
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	if c.BackupDir == "" {
		return errors.New("backupDir must be set")
	}

	if c.Retention.Days <= 0 {
		return errors.New("retention.days must be positive")
	}

	for name, expr := range map[string]string{
		"schedule.incremental": c.Schedule.Incremental,
		"schedule.full":        c.Schedule.Full,
		"schedule.verify":      c.Schedule.Verify,
		"schedule.monitor":     c.Schedule.Monitor,
	} {
		if _, err := cronexpr.Parse(expr); err != nil {
			return errors.Wrapf(err, "invalid cron expression for %v", name)
		}
	}

	if c.Artifact.Encryption && c.Artifact.PassphraseRef == "" {
		return errors.New("artifact.passphraseRef must be set when encryption is enabled")
	}

	for i, r := range c.Remotes {
		if err := r.validate(); err != nil {
			return errors.Wrapf(err, "remotes[%v]", i)
		}
	}

	if c.Limits.CapacityWarnPct >= c.Limits.CapacityCritPct {
		return errors.New("limits.capacityWarnPct must be below capacityCritPct")
	}

	return nil
}

func (r RemoteConfig) validate() error {
	switch r.Kind {
	case RemoteS3:
		if r.Bucket == "" {
			return errors.New("s3 remote requires a bucket")
		}

	case RemoteSFTP, RemoteRsync:
		if r.Host == "" || r.Path == "" {
			return errors.Errorf("%v remote requires host and path", r.Kind)
		}

	default:
		return errors.Errorf("unsupported remote kind %q", r.Kind)
	}

	return nil
}
