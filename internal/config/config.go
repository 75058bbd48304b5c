package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/razvanmarinn/weave/internal/core"
)

// DatasetResource locates a dataset inside a CKAN catalog.
type DatasetResource struct {
	PackageName string `yaml:"package_name"`
	ResourceID  string `yaml:"resource_id"`
}

type SSENConfig struct {
	AvailableFilesURL       string                     `yaml:"available_files_url"`
	PostcodeMappingURL      string                     `yaml:"postcode_mapping_url"`
	TransformerLoadModelURL string                     `yaml:"transformer_load_model_url"`
	CKANBaseURL             string                     `yaml:"ckan_base_url"`
	Datasets                map[string]DatasetResource `yaml:"datasets"`
}

type NGEDConfig struct {
	DatapackageURL string `yaml:"datapackage_url"`
	APIToken       string `yaml:"api_token"`
}

type S3Config struct {
	Region       string `yaml:"region"`
	BaseEndpoint string `yaml:"base_endpoint"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
}

type Config struct {
	RawFilesURL     string     `yaml:"raw_files_url"`
	StagingFilesURL string     `yaml:"staging_files_url"`
	SSEN            SSENConfig `yaml:"ssen"`
	NGED            NGEDConfig `yaml:"nged"`
	ONSPDURL        string     `yaml:"onspd_url"`
	S3              S3Config   `yaml:"s3"`

	KafkaBrokers      []string `yaml:"kafka_brokers"`
	KafkaTopic        string   `yaml:"kafka_topic"`
	OtelCollectorAddr string   `yaml:"otel_collector_addr"`
	HTTPAddr          string   `yaml:"http_addr"`

	ChunkSize         int           `yaml:"chunk_size"`
	ListingTimeout    time.Duration `yaml:"listing_timeout"`
	FreshnessCacheTTL time.Duration `yaml:"freshness_cache_ttl"`
	Workers           int           `yaml:"workers"`
}

const PostcodeMappingDataset = "ssen_lv_feeder_postcode_mapping"

func Default() Config {
	return Config{
		RawFilesURL:     "data/raw",
		StagingFilesURL: "data/staging",
		SSEN: SSENConfig{
			AvailableFilesURL:       "https://ssen-smart-meter-prod.datopian.workers.dev/LV_FEEDER_USAGE/",
			PostcodeMappingURL:      "https://ssen-smart-meter-prod.portaljs.com/LV_FEEDER_LOOKUP/LV_FEEDER_LOOKUP.csv",
			TransformerLoadModelURL: "https://data-api.ssen.co.uk/dataset/d1c4009b-4386-4208-a14f-cc09aeeb4777/resource/53b2b871-4c28-4ba9-85d4-c9ba6452aa15/download/onedrive_1_01-08-2024.zip",
			CKANBaseURL:             "https://ckan-prod.sse.datopian.com",
			Datasets: map[string]DatasetResource{
				PostcodeMappingDataset: {
					PackageName: "ssen_smart_meter_prod_lv_feeder",
					ResourceID:  "1cce1fb4-d7f4-4309-b9e3-943bd4d18618",
				},
			},
		},
		NGED: NGEDConfig{
			DatapackageURL: "https://connecteddata.nationalgrid.co.uk/dataset/aggregated-smart-meter-data-lv-feeder/datapackage.json",
		},
		S3:                S3Config{Region: "eu-west-2"},
		KafkaTopic:        "weave.acquisitions",
		HTTPAddr:          ":8080",
		ChunkSize:         10 << 20,
		ListingTimeout:    5 * time.Second,
		FreshnessCacheTTL: 10 * time.Minute,
		Workers:           3,
	}
}

// Load starts from Default, applies the YAML file named by WEAVE_CONFIG_FILE
// when set, then any environment overrides.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv("WEAVE_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return &core.ConfigurationError{Key: path, Msg: fmt.Sprintf("invalid yaml: %v", err)}
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.RawFilesURL = getEnv("WEAVE_RAW_FILES_URL", c.RawFilesURL)
	c.StagingFilesURL = getEnv("WEAVE_STAGING_FILES_URL", c.StagingFilesURL)

	c.SSEN.AvailableFilesURL = getEnv("SSEN_AVAILABLE_FILES_URL", c.SSEN.AvailableFilesURL)
	c.SSEN.PostcodeMappingURL = getEnv("SSEN_POSTCODE_MAPPING_URL", c.SSEN.PostcodeMappingURL)
	c.SSEN.TransformerLoadModelURL = getEnv("SSEN_TRANSFORMER_LOAD_MODEL_URL", c.SSEN.TransformerLoadModelURL)
	c.SSEN.CKANBaseURL = getEnv("SSEN_CKAN_BASE_URL", c.SSEN.CKANBaseURL)

	c.NGED.DatapackageURL = getEnv("NGED_DATAPACKAGE_URL", c.NGED.DatapackageURL)
	c.NGED.APIToken = getEnv("NGED_API_TOKEN", c.NGED.APIToken)
	c.ONSPDURL = getEnv("ONSPD_URL", c.ONSPDURL)

	c.S3.Region = getEnv("S3_REGION", c.S3.Region)
	c.S3.BaseEndpoint = getEnv("S3_BASE_ENDPOINT", c.S3.BaseEndpoint)
	c.S3.AccessKey = getEnv("S3_ACCESS_KEY", c.S3.AccessKey)
	c.S3.SecretKey = getEnv("S3_SECRET_KEY", c.S3.SecretKey)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.KafkaBrokers = strings.Split(brokers, ",")
	}
	c.KafkaTopic = getEnv("KAFKA_TOPIC", c.KafkaTopic)
	c.OtelCollectorAddr = getEnv("OTEL_COLLECTOR_ADDR", c.OtelCollectorAddr)
	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)

	var err error
	if c.ChunkSize, err = getEnvInt("WEAVE_CHUNK_SIZE", c.ChunkSize); err != nil {
		return err
	}
	if c.Workers, err = getEnvInt("WEAVE_WORKERS", c.Workers); err != nil {
		return err
	}
	if c.ListingTimeout, err = getEnvDuration("WEAVE_LISTING_TIMEOUT", c.ListingTimeout); err != nil {
		return err
	}
	if c.FreshnessCacheTTL, err = getEnvDuration("WEAVE_FRESHNESS_CACHE_TTL", c.FreshnessCacheTTL); err != nil {
		return err
	}
	return nil
}

// Validate reports the first missing or inconsistent value.
func (c Config) Validate() error {
	required := []struct{ key, value string }{
		{"raw_files_url", c.RawFilesURL},
		{"staging_files_url", c.StagingFilesURL},
		{"ssen.available_files_url", c.SSEN.AvailableFilesURL},
		{"ssen.ckan_base_url", c.SSEN.CKANBaseURL},
	}
	for _, r := range required {
		if r.value == "" {
			return &core.ConfigurationError{Key: r.key, Msg: "must be set"}
		}
	}
	for name, ds := range c.SSEN.Datasets {
		if ds.PackageName == "" || ds.ResourceID == "" {
			return &core.ConfigurationError{Key: "ssen.datasets." + name, Msg: "package_name and resource_id must both be set"}
		}
	}
	if c.ChunkSize <= 0 {
		return &core.ConfigurationError{Key: "chunk_size", Msg: "must be positive"}
	}
	if c.Workers <= 0 {
		return &core.ConfigurationError{Key: "workers", Msg: "must be positive"}
	}
	if c.ListingTimeout <= 0 {
		return &core.ConfigurationError{Key: "listing_timeout", Msg: "must be positive"}
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, &core.ConfigurationError{Key: key, Msg: fmt.Sprintf("not an integer: %q", value)}
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, &core.ConfigurationError{Key: key, Msg: fmt.Sprintf("not a duration: %q", value)}
	}
	return d, nil
}
