// Package cfg defines the objectfs configuration surface and binds it to
// command-line flags and an optional YAML config file, in the same shape
// gcsfuse's cfg package binds its Config struct via cobra/viper.
package cfg

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the fully resolved set of mount-time settings, unmarshalled by
// viper from flags and an optional config file.
type Config struct {
	MountPoint string `mapstructure:"mount-point"`
	BucketName string `mapstructure:"bucket-name"`
	DataDir    string `mapstructure:"data-dir"`

	AutoUnmount bool `mapstructure:"auto_unmount"`
	AllowRoot   bool `mapstructure:"allow-root"`
	DirectIO    bool `mapstructure:"direct-io"`

	LogFormat   string `mapstructure:"log-format"`
	LogSeverity string `mapstructure:"log-severity"`

	DownloadConcurrency int `mapstructure:"download-concurrency"`
	DownloadBlockSizeMb int `mapstructure:"download-block-size-mb"`
}

// Default data directory name used when --data-dir is not supplied, rooted
// under the user's cache directory at mount time (see cmd.resolveDataDir).
const DefaultDataDirName = ".objectfs"

// DefaultDownloadConcurrency and DefaultDownloadBlockSizeMb mirror the
// "small, e.g. 4" / "64 MiB" defaults named in the downloader's design.
const (
	DefaultDownloadConcurrency = 4
	DefaultDownloadBlockSizeMb = 64
)

// BindFlags registers every flag understood by the objectfs CLI onto fs and
// binds each to its matching viper key, the way gcsfuse's cfg.BindFlags
// registers and binds its much larger flag set.
func BindFlags(fs *pflag.FlagSet) error {
	fs.StringP("mount-point", "m", "", "path at which to mount the filesystem (required)")
	fs.StringP("bucket-name", "b", "", "name of the remote bucket to export (required)")
	fs.String("data-dir", "", "local directory for persisted metadata and cached content")

	fs.Bool("auto_unmount", false, "unmount automatically on process exit")
	fs.Bool("allow-root", false, "allow the root user to access the mount")
	fs.Bool("direct-io", false, "request direct I/O from the kernel for opened files")

	fs.String("log-format", "text", "log output format: text or json")
	fs.String("log-severity", "info", "minimum log severity: trace, debug, info, warning, error")

	fs.Int("download-concurrency", DefaultDownloadConcurrency, "max concurrent range fetches per download")
	fs.Int("download-block-size-mb", DefaultDownloadBlockSizeMb, "size in MiB of each ranged fetch")

	for _, key := range []string{
		"mount-point", "bucket-name", "data-dir",
		"auto_unmount", "allow-root", "direct-io",
		"log-format", "log-severity",
		"download-concurrency", "download-block-size-mb",
	} {
		if err := viper.BindPFlag(key, fs.Lookup(key)); err != nil {
			return err
		}
	}

	return nil
}
