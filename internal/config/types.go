package config

import "time"

// Config represents the complete zm-archiver configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	State     StateConfig     `yaml:"state"`
	Lock      LockConfig      `yaml:"lock"`
	Volume    VolumeConfig    `yaml:"volume"`
	Stores    StoresConfig    `yaml:"stores"`
	Retention RetentionConfig `yaml:"retention"`
	Jobs      JobsConfig      `yaml:"jobs"`
	SizeIndex SizeIndexConfig `yaml:"size_index"`
	Alert     AlertConfig     `yaml:"alert"`
	Metrics   MetricsConfig   `yaml:"metrics,omitempty"`

	// SourcePath is the absolute path of the loaded file, Fingerprint its BLAKE3 hash.
	SourcePath  string `yaml:"-"`
	Fingerprint string `yaml:"-"`
}

// ServiceConfig defines process-wide settings.
type ServiceConfig struct {
	Name        string `yaml:"name" validate:"required"`
	LogLevel    string `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat   string `yaml:"log_format" validate:"oneof=json text"`
	LogFile     string `yaml:"log_file,omitempty"`
	LogMaxLines int    `yaml:"log_max_lines" validate:"gte=0"`
}

// StateConfig defines run history storage.
type StateConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// LockConfig defines where the cross-run lock file lives.
type LockConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// VolumeConfig describes the backup volume.
type VolumeConfig struct {
	UUID              string        `yaml:"uuid" validate:"required"`
	MountPoint        string        `yaml:"mount_point" validate:"required"`
	MountOptions      string        `yaml:"mount_options,omitempty"`
	UseSudo           bool          `yaml:"use_sudo"`
	UnmountOnFinish   bool          `yaml:"unmount_on_finish"`
	UnmountRetryAfter time.Duration `yaml:"unmount_retry_after" validate:"gte=0"`
}

// StoresConfig defines the active and backup store layout.
type StoresConfig struct {
	// Active is the root holding one directory per collection.
	Active string `yaml:"active" validate:"required"`
	// BackupSubdir is joined onto the volume mount point to form the backup root.
	BackupSubdir string `yaml:"backup_subdir" validate:"required"`
	// Collections restricts the active collections. Empty means every symlink in Active.
	Collections []string `yaml:"collections,omitempty"`
}

// RetentionConfig defines the retention windows and daily archive cap.
type RetentionConfig struct {
	KeepDays       int `yaml:"keep_days" validate:"gte=0"`
	DeleteDays     int `yaml:"delete_days" validate:"gt=0"`
	MaxArchiveJobs int `yaml:"max_archive_jobs" validate:"gte=0"`
}

// Job modes.
const (
	ModeArchive = "archive"
	ModeMove    = "move"
)

// JobsConfig defines the worker pool and feature switches.
type JobsConfig struct {
	Concurrency  int    `yaml:"concurrency" validate:"gte=1,lte=64"`
	Mode         string `yaml:"mode" validate:"oneof=archive move"`
	AllowDelete  bool   `yaml:"allow_delete"`
	AllowArchive bool   `yaml:"allow_archive"`
	DeleteSource bool   `yaml:"delete_source"`
}

// SizeIndexConfig points at the SQLite size database.
type SizeIndexConfig struct {
	Path  string `yaml:"path"`
	Table string `yaml:"table" validate:"required,sqlident"`
}

// AlertConfig defines the capacity high-water alert.
type AlertConfig struct {
	// Name labels the cache in the alert line.
	Name           string `yaml:"name"`
	UsageThreshold int    `yaml:"usage_threshold" validate:"gte=0,lte=100"`
	MotdPath       string `yaml:"motd_path,omitempty"`
}

// MetricsConfig defines the Prometheus textfile output.
type MetricsConfig struct {
	Textfile string `yaml:"textfile,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "zm-archiver",
			LogLevel:    "info",
			LogFormat:   "json",
			LogMaxLines: 5000,
		},
		State: StateConfig{
			Path: "./data/history.db",
		},
		Lock: LockConfig{
			Path: "/var/cache/zoneminder/events/.zm_move.lock",
		},
		Volume: VolumeConfig{
			MountPoint:        "/mnt/backup",
			UseSudo:           true,
			UnmountRetryAfter: 30 * time.Minute,
		},
		Stores: StoresConfig{
			Active:       "/var/cache/zoneminder/events",
			BackupSubdir: "zm_cache",
		},
		Retention: RetentionConfig{
			KeepDays:       90,
			DeleteDays:     180,
			MaxArchiveJobs: 30,
		},
		Jobs: JobsConfig{
			Concurrency:  5,
			Mode:         ModeArchive,
			AllowDelete:  true,
			AllowArchive: true,
			DeleteSource: true,
		},
		SizeIndex: SizeIndexConfig{
			Table: "zm_sizes",
		},
		Alert: AlertConfig{
			Name:           "ZM",
			UsageThreshold: 90,
			MotdPath:       "/etc/motd",
		},
	}
}
