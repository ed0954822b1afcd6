package crawler

import (
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// Config is the configuration instance the rest of the crawler should access
// for global configuration values. See CrawlerConfig for available members.
var Config CrawlerConfig

// ConfigName is the path (can be relative or absolute) to the config file
// that should be read.
var ConfigName = "crawler.yaml"

func init() {
	err := readConfig()
	if err != nil {
		if os.IsNotExist(err) || strings.Contains(err.Error(), "no such file or directory") {
			log.Infof("Did not find config file %v, continuing with defaults", ConfigName)
		} else {
			panic(err.Error())
		}
	}
}

// CrawlerConfig defines the available global configuration parameters. It
// reads values straight from the yaml config file (crawler.yaml by default).
type CrawlerConfig struct {
	Fetcher struct {
		UserAgent           string `yaml:"user_agent"`
		HTTPTimeout         string `yaml:"http_timeout"`
		MaxRetries          int    `yaml:"max_retries"`
		RetryWaitMin        string `yaml:"retry_wait_min"`
		MaxContentSizeBytes int64  `yaml:"max_content_size_bytes"`
		DefaultCrawlDelay   string `yaml:"default_crawl_delay"`
		MaxCrawlDelay       string `yaml:"max_crawl_delay"`
		Threads             int    `yaml:"threads"`
	} `yaml:"fetcher"`

	Crawler struct {
		SeedFile         string   `yaml:"seed_file"`
		MaxDepth         int      `yaml:"max_depth"`
		MaxTags          int      `yaml:"max_tags"`
		TagStopwords     []string `yaml:"tag_stopwords"`
		MaxImagesPerPage int      `yaml:"max_images_per_page"`
		MaxURLLength     int      `yaml:"max_url_length"`
		AcceptProtocols  []string `yaml:"accept_protocols"`
	} `yaml:"crawler"`

	Policy struct {
		RespectRobots   bool     `yaml:"respect_robots"`
		IgnoreTOS       bool     `yaml:"ignore_tos"`
		TOSPaths        []string `yaml:"tos_paths"`
		TOSKeywords     []string `yaml:"tos_keywords"`
		TOSTimeout      string   `yaml:"tos_timeout"`
		RobotsCacheSize int      `yaml:"robots_cache_size"`
	} `yaml:"policy"`

	Postgres struct {
		Host              string `yaml:"host"`
		Port              int    `yaml:"port"`
		Database          string `yaml:"database"`
		User              string `yaml:"user"`
		Password          string `yaml:"password"`
		PoolMaxConns      int    `yaml:"pool_max_conns"`
		ConnectTimeout    string `yaml:"connect_timeout"`
		WriteQueueSize    int    `yaml:"write_queue_size"`
		WriterJoinTimeout string `yaml:"writer_join_timeout"`
	} `yaml:"postgres"`

	Coordinator struct {
		Addr           string              `yaml:"addr"`
		AuthToken      string              `yaml:"auth_token"`
		SubmitToken    string              `yaml:"submit_token"`
		MinSubmitTags  int                 `yaml:"min_submit_tags"`
		MaxSubmitURLs  int                 `yaml:"max_submit_urls"`
		BatchLimit     int                 `yaml:"batch_limit"`
		DedupeEnabled  bool                `yaml:"dedupe_enabled"`
		DedupeInterval string              `yaml:"dedupe_interval"`
		DomainTags     map[string][]string `yaml:"domain_tags"`
	} `yaml:"coordinator"`

	Worker struct {
		APIBaseURL        string `yaml:"api_base_url"`
		AuthToken         string `yaml:"auth_token"`
		Threads           int    `yaml:"threads"`
		EnforceRobots     bool   `yaml:"enforce_robots"`
		HTTPTimeout       string `yaml:"http_timeout"`
		BlacklistCacheTTL string `yaml:"blacklist_cache_ttl"`
	} `yaml:"worker"`
}

// SetDefaultConfig resets the Config object to default values, regardless of
// what was set by any configuration file.
func SetDefaultConfig() {
	// NOTE: go-yaml does not overwrite sequence values when unmarshalling, it
	// appends. readConfig clears every sequence before parsing and restores
	// the default afterwards if the file left it empty.

	Config.Fetcher.UserAgent = "NerdCrawler (https://github.com/nerdcrawler)"
	Config.Fetcher.HTTPTimeout = "10s"
	Config.Fetcher.MaxRetries = 2
	Config.Fetcher.RetryWaitMin = "1s"
	Config.Fetcher.MaxContentSizeBytes = 20 * 1024 * 1024
	Config.Fetcher.DefaultCrawlDelay = "1s"
	Config.Fetcher.MaxCrawlDelay = "5m"
	Config.Fetcher.Threads = 2

	Config.Crawler.SeedFile = "seeds.txt"
	Config.Crawler.MaxDepth = 5
	Config.Crawler.MaxTags = 100
	Config.Crawler.TagStopwords = defaultTagStopwords()
	Config.Crawler.MaxImagesPerPage = 5
	Config.Crawler.MaxURLLength = 2048
	Config.Crawler.AcceptProtocols = []string{"http", "https"}

	Config.Policy.RespectRobots = true
	Config.Policy.IgnoreTOS = false
	Config.Policy.TOSPaths = defaultTOSPaths()
	Config.Policy.TOSKeywords = defaultTOSKeywords()
	Config.Policy.TOSTimeout = "5s"
	Config.Policy.RobotsCacheSize = 10000

	Config.Postgres.Host = "localhost"
	Config.Postgres.Port = 5432
	Config.Postgres.Database = "nerdcrawler"
	Config.Postgres.User = "nerdcrawler"
	Config.Postgres.Password = ""
	Config.Postgres.PoolMaxConns = 5
	Config.Postgres.ConnectTimeout = "5s"
	Config.Postgres.WriteQueueSize = 512
	Config.Postgres.WriterJoinTimeout = "30s"

	Config.Coordinator.Addr = ":5001"
	Config.Coordinator.AuthToken = ""
	Config.Coordinator.SubmitToken = ""
	Config.Coordinator.MinSubmitTags = 20
	Config.Coordinator.MaxSubmitURLs = 50
	Config.Coordinator.BatchLimit = 100
	Config.Coordinator.DedupeEnabled = true
	Config.Coordinator.DedupeInterval = "10m"
	Config.Coordinator.DomainTags = nil

	Config.Worker.APIBaseURL = "http://localhost:5001"
	Config.Worker.AuthToken = ""
	Config.Worker.Threads = 4
	Config.Worker.EnforceRobots = true
	Config.Worker.HTTPTimeout = "20s"
	Config.Worker.BlacklistCacheTTL = "5m"
}

func defaultTagStopwords() []string {
	return []string{
		"http", "https", "index", "about", "home", "search",
		"terms", "title", "www", "html", "com", "page", "site",
	}
}

func defaultTOSPaths() []string {
	return []string{"/terms", "/terms-of-service", "/tos", "/legal/terms"}
}

func defaultTOSKeywords() []string {
	return []string{
		"automated", "robot", "scrap", "crawl",
		"not allowed", "disallow", "unauthorized",
	}
}

// ReadConfigFile sets a new path to find the crawler yaml config file and
// forces a reload of the config.
func ReadConfigFile(path string) error {
	ConfigName = path
	return readConfig()
}

// MustReadConfigFile calls ReadConfigFile and panics on error.
func MustReadConfigFile(path string) {
	err := ReadConfigFile(path)
	if err != nil {
		panic(err.Error())
	}
}

func assertConfigInvariants() error {
	var errs []string

	fet := &Config.Fetcher
	durations := []struct {
		name  string
		value string
	}{
		{"fetcher.http_timeout", fet.HTTPTimeout},
		{"fetcher.retry_wait_min", fet.RetryWaitMin},
		{"fetcher.default_crawl_delay", fet.DefaultCrawlDelay},
		{"fetcher.max_crawl_delay", fet.MaxCrawlDelay},
		{"policy.tos_timeout", Config.Policy.TOSTimeout},
		{"postgres.connect_timeout", Config.Postgres.ConnectTimeout},
		{"postgres.writer_join_timeout", Config.Postgres.WriterJoinTimeout},
		{"coordinator.dedupe_interval", Config.Coordinator.DedupeInterval},
		{"worker.http_timeout", Config.Worker.HTTPTimeout},
		{"worker.blacklist_cache_ttl", Config.Worker.BlacklistCacheTTL},
	}
	for _, d := range durations {
		if _, err := time.ParseDuration(d.value); err != nil {
			errs = append(errs, fmt.Sprintf("%v failed to parse: %v", d.name, err))
		}
	}

	def, derr := time.ParseDuration(fet.DefaultCrawlDelay)
	max, merr := time.ParseDuration(fet.MaxCrawlDelay)
	if derr == nil && merr == nil && def > max {
		errs = append(errs, "Consistency problem: fetcher.default_crawl_delay > fetcher.max_crawl_delay")
	}

	if fet.Threads < 1 {
		errs = append(errs, "fetcher.threads must be greater than 0")
	}
	if fet.MaxRetries < 0 {
		errs = append(errs, "fetcher.max_retries must not be negative")
	}
	if fet.MaxContentSizeBytes < 1 {
		errs = append(errs, "fetcher.max_content_size_bytes must be greater than 0")
	}

	cra := &Config.Crawler
	if cra.MaxDepth < 0 {
		errs = append(errs, "crawler.max_depth must not be negative")
	}
	if cra.MaxTags < 1 {
		errs = append(errs, "crawler.max_tags must be greater than 0")
	}
	if cra.MaxURLLength < 1 {
		errs = append(errs, "crawler.max_url_length must be greater than 0")
	}

	if Config.Policy.RobotsCacheSize < 1 {
		errs = append(errs, "policy.robots_cache_size must be greater than 0")
	}

	if Config.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres.pool_max_conns must be greater than 0")
	}
	if Config.Postgres.WriteQueueSize < 1 {
		errs = append(errs, "postgres.write_queue_size must be greater than 0")
	}

	coord := &Config.Coordinator
	if coord.MinSubmitTags < 1 {
		errs = append(errs, "coordinator.min_submit_tags must be greater than 0")
	}
	if coord.MaxSubmitURLs < 1 {
		errs = append(errs, "coordinator.max_submit_urls must be greater than 0")
	}
	if coord.BatchLimit < 1 {
		errs = append(errs, "coordinator.batch_limit must be greater than 0")
	}

	if Config.Worker.Threads < 1 {
		errs = append(errs, "worker.threads must be greater than 0")
	}

	if len(errs) > 0 {
		em := ""
		for _, err := range errs {
			log.Errorf("Config Error: %v", err)
			em += "\t"
			em += err
			em += "\n"
		}
		return fmt.Errorf("config error:\n%v", em)
	}

	return nil
}

func readConfig() error {
	SetDefaultConfig()

	// See NOTE in SetDefaultConfig regarding sequence values
	Config.Crawler.TagStopwords = []string{}
	Config.Crawler.AcceptProtocols = []string{}
	Config.Policy.TOSPaths = []string{}
	Config.Policy.TOSKeywords = []string{}

	data, err := os.ReadFile(ConfigName)
	if err != nil {
		restoreDefaultSequences()
		return err
	}
	err = yaml.Unmarshal(data, &Config)
	if err != nil {
		return fmt.Errorf("failed to unmarshal yaml from config file (%v): %v", ConfigName, err)
	}

	restoreDefaultSequences()

	err = assertConfigInvariants()
	if err == nil {
		log.Infof("Loaded config file %v", ConfigName)
	}

	return err
}

// restoreDefaultSequences puts the default value back into any sequence the
// config file left empty. See NOTE in SetDefaultConfig.
func restoreDefaultSequences() {
	if len(Config.Crawler.TagStopwords) == 0 {
		Config.Crawler.TagStopwords = defaultTagStopwords()
	}
	if len(Config.Crawler.AcceptProtocols) == 0 {
		Config.Crawler.AcceptProtocols = []string{"http", "https"}
	}
	if len(Config.Policy.TOSPaths) == 0 {
		Config.Policy.TOSPaths = defaultTOSPaths()
	}
	if len(Config.Policy.TOSKeywords) == 0 {
		Config.Policy.TOSKeywords = defaultTOSKeywords()
	}
}

// durationOrDefault parses a config duration string, falling back to def if
// parsing fails. assertConfigInvariants already rejects bad values at load,
// so the fallback only matters for callers that mutate Config directly.
func durationOrDefault(val string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}
