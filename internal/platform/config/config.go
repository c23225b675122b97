package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ogurasousui/face-attendance/internal/core/attendance"
	"github.com/ogurasousui/face-attendance/internal/platform/imaging"
	"gopkg.in/yaml.v3"
)

// Config はアプリケーション全体の設定を表現します。
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Stores     StoresConfig     `yaml:"stores"`
	ImageStore ImageStoreConfig `yaml:"image_store"`
	Biometric  BiometricConfig  `yaml:"biometric"`
	Attendance AttendanceConfig `yaml:"attendance"`
}

// ServerConfig はサーバーに関する設定です。ListenAddr は gRPC ヘルスチェック用です。
type ServerConfig struct {
	ListenAddr    string `yaml:"listen_addr"`
	HTTPAddr      string `yaml:"http_addr"`
	PublicBaseURL string `yaml:"public_base_url"`
}

// DatabaseConfig は PostgreSQL 接続に関する設定です。
type DatabaseConfig struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	User               string        `yaml:"user"`
	Password           string        `yaml:"password"`
	Name               string        `yaml:"name"`
	SSLMode            string        `yaml:"ssl_mode"`
	MaxOpenConns       int           `yaml:"max_open_conns"`
	MaxIdleConns       int           `yaml:"max_idle_conns"`
	ConnMaxLifetime    time.Duration `yaml:"-"`
	ConnMaxIdleTime    time.Duration `yaml:"-"`
	ConnMaxLifetimeRaw string        `yaml:"conn_max_lifetime"`
	ConnMaxIdleTimeRaw string        `yaml:"conn_max_idle_time"`
}

// StoresConfig は外部ストア呼び出し共通の設定です。
type StoresConfig struct {
	CallTimeout    time.Duration `yaml:"-"`
	CallTimeoutRaw string        `yaml:"call_timeout"`
}

// ImageStore のドライバ名です。
const (
	ImageStoreFilesystem = "filesystem"
	ImageStoreSFTP       = "sftp"
)

// ImageStoreConfig は参照画像の保存先の設定です。
type ImageStoreConfig struct {
	Driver     string           `yaml:"driver"`
	Filesystem FilesystemConfig `yaml:"filesystem"`
	SFTP       SFTPConfig       `yaml:"sftp"`
}

// FilesystemConfig はローカルディスクへの保存設定です。
type FilesystemConfig struct {
	Root string `yaml:"root"`
}

// SFTPConfig は SFTP サーバーへの保存設定です。
type SFTPConfig struct {
	Host                  string `yaml:"host"`
	Port                  int    `yaml:"port"`
	User                  string `yaml:"user"`
	Password              string `yaml:"password"`
	RemoteDir             string `yaml:"remote_dir"`
	KnownHosts            string `yaml:"known_hosts"`
	InsecureIgnoreHostKey bool   `yaml:"insecure_ignore_host_key"`
}

// Addr は host:port 形式のアドレスを返します。
func (s SFTPConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// BiometricConfig は顔照合に関する設定です。
type BiometricConfig struct {
	EmbeddingURL      string        `yaml:"embedding_url"`
	Model             string        `yaml:"model"`
	Dim               int           `yaml:"dim"`
	MatchThreshold    float64       `yaml:"match_threshold"`
	MaxCandidates     int           `yaml:"max_candidates"`
	MaxImageSide      int           `yaml:"max_image_side"`
	MaxPixels         int           `yaml:"max_pixels"`
	RequestTimeout    time.Duration `yaml:"-"`
	RequestTimeoutRaw string        `yaml:"request_timeout"`
	// RefreshInterval はテンプレートキャッシュを DB と突き合わせる間隔です。
	RefreshInterval    time.Duration `yaml:"-"`
	RefreshIntervalRaw string        `yaml:"refresh_interval"`
}

// AttendanceConfig は勤怠記録に関する設定です。
type AttendanceConfig struct {
	ManualEditPolicy string                      `yaml:"manual_edit_policy"`
	Policy           attendance.ManualEditPolicy `yaml:"-"`
	MaxParallel      int                         `yaml:"max_parallel"`
}

// Load は指定されたパスから設定ファイルを読み込みます。
// 値の中の ${VAR} は環境変数で置き換えます。
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(b))), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	if err := cfg.validateAndNormalize(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validateAndNormalize() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("config: server.listen_addr must be set")
	}
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8080"
	}
	c.Server.PublicBaseURL = strings.TrimRight(c.Server.PublicBaseURL, "/")

	db := &c.Database
	if err := db.validateAndNormalize(); err != nil {
		return err
	}

	timeout, err := parseDurationAllowEmpty(c.Stores.CallTimeoutRaw)
	if err != nil {
		return fmt.Errorf("config: stores.call_timeout: %w", err)
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	c.Stores.CallTimeout = timeout

	if err := c.ImageStore.validateAndNormalize(); err != nil {
		return err
	}
	if err := c.Biometric.validateAndNormalize(); err != nil {
		return err
	}

	policy, err := attendance.ParseManualEditPolicy(c.Attendance.ManualEditPolicy)
	if err != nil {
		return fmt.Errorf("config: attendance.manual_edit_policy: %w", err)
	}
	c.Attendance.Policy = policy
	if c.Attendance.MaxParallel <= 0 {
		c.Attendance.MaxParallel = 4
	}

	return nil
}

func (d *DatabaseConfig) validateAndNormalize() error {
	if d.Host == "" {
		return fmt.Errorf("config: database.host must be set")
	}
	if d.Port == 0 {
		return fmt.Errorf("config: database.port must be set")
	}
	if d.User == "" {
		return fmt.Errorf("config: database.user must be set")
	}
	if d.Password == "" {
		return fmt.Errorf("config: database.password must be set")
	}
	if d.Name == "" {
		return fmt.Errorf("config: database.name must be set")
	}
	if d.SSLMode == "" {
		d.SSLMode = "disable"
	}

	lifetime, err := parseDurationAllowEmpty(d.ConnMaxLifetimeRaw)
	if err != nil {
		return fmt.Errorf("config: database.conn_max_lifetime: %w", err)
	}
	d.ConnMaxLifetime = lifetime

	idleTime, err := parseDurationAllowEmpty(d.ConnMaxIdleTimeRaw)
	if err != nil {
		return fmt.Errorf("config: database.conn_max_idle_time: %w", err)
	}
	d.ConnMaxIdleTime = idleTime

	return nil
}

func (s *ImageStoreConfig) validateAndNormalize() error {
	switch s.Driver {
	case "", ImageStoreFilesystem:
		s.Driver = ImageStoreFilesystem
		if s.Filesystem.Root == "" {
			return fmt.Errorf("config: image_store.filesystem.root must be set")
		}
	case ImageStoreSFTP:
		if s.SFTP.Host == "" {
			return fmt.Errorf("config: image_store.sftp.host must be set")
		}
		if s.SFTP.User == "" {
			return fmt.Errorf("config: image_store.sftp.user must be set")
		}
		if s.SFTP.Port == 0 {
			s.SFTP.Port = 22
		}
		if s.SFTP.RemoteDir == "" {
			return fmt.Errorf("config: image_store.sftp.remote_dir must be set")
		}
		if s.SFTP.KnownHosts == "" && !s.SFTP.InsecureIgnoreHostKey {
			return fmt.Errorf("config: image_store.sftp.known_hosts must be set unless insecure_ignore_host_key is true")
		}
	default:
		return fmt.Errorf("config: image_store.driver %q is not supported", s.Driver)
	}
	return nil
}

func (b *BiometricConfig) validateAndNormalize() error {
	if b.EmbeddingURL == "" {
		return fmt.Errorf("config: biometric.embedding_url must be set")
	}
	if _, err := url.Parse(b.EmbeddingURL); err != nil {
		return fmt.Errorf("config: biometric.embedding_url: %w", err)
	}
	if b.Dim <= 0 {
		b.Dim = 512
	}
	if b.MatchThreshold <= 0 || b.MatchThreshold > 1 {
		if b.MatchThreshold != 0 {
			return fmt.Errorf("config: biometric.match_threshold must be in (0, 1]")
		}
		b.MatchThreshold = 0.5
	}
	if b.MaxCandidates <= 0 {
		b.MaxCandidates = 5
	}
	if b.MaxImageSide <= 0 {
		b.MaxImageSide = 1280
	}
	if b.MaxPixels <= 0 {
		b.MaxPixels = imaging.DefaultMaxPixels
	}

	timeout, err := parseDurationAllowEmpty(b.RequestTimeoutRaw)
	if err != nil {
		return fmt.Errorf("config: biometric.request_timeout: %w", err)
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	b.RequestTimeout = timeout

	refresh, err := parseDurationAllowEmpty(b.RefreshIntervalRaw)
	if err != nil {
		return fmt.Errorf("config: biometric.refresh_interval: %w", err)
	}
	if refresh == 0 {
		refresh = 30 * time.Second
	}
	b.RefreshInterval = refresh

	return nil
}

func parseDurationAllowEmpty(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	return d, nil
}

// DSN は pgx 用の接続文字列を返します。
func (d DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:     "/" + d.Name,
		RawQuery: "sslmode=" + url.QueryEscape(d.SSLMode),
	}
	return u.String()
}
