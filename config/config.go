/*
Copyright 2024 Vigia Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5004"

	TransportAsynq    = "asynq"
	TransportRabbitMQ = "rabbitmq"

	CacheMemory = "memory"
	CacheRedis  = "redis"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"VIGIA_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"VIGIA_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"VIGIA_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"VIGIA_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"VIGIA_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"VIGIA_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"VIGIA_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"VIGIA_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"VIGIA_REDIS_SKIP_TLS_VERIFY"`
}

type QueueConfig struct {
	LookupQueue     string `json:"lookup_queue" envconfig:"VIGIA_QUEUE_LOOKUP"`
	ValidationQueue string `json:"validation_queue" envconfig:"VIGIA_QUEUE_VALIDATION"`
	MonitoringPort  string `json:"monitoring_port" envconfig:"VIGIA_QUEUE_MONITORING_PORT"`
}

// TransportConfig selects how lookup batches arrive and where validation
// messages are published.
type TransportConfig struct {
	Driver                  string `json:"driver" envconfig:"VIGIA_TRANSPORT_DRIVER"`
	AmqpURL                 string `json:"amqp_url" envconfig:"VIGIA_TRANSPORT_AMQP_URL"`
	Exchange                string `json:"exchange" envconfig:"VIGIA_TRANSPORT_EXCHANGE"`
	Queue                   string `json:"queue" envconfig:"VIGIA_TRANSPORT_QUEUE"`
	RoutingKey              string `json:"routing_key" envconfig:"VIGIA_TRANSPORT_ROUTING_KEY"`
	ValidationRoutingKey    string `json:"validation_routing_key" envconfig:"VIGIA_TRANSPORT_VALIDATION_ROUTING_KEY"`
	ReconnectMaxElapsedSecs int    `json:"reconnect_max_elapsed_secs" envconfig:"VIGIA_TRANSPORT_RECONNECT_MAX_ELAPSED_SECS"`
}

type BrowserConfig struct {
	Bin        string `json:"bin" envconfig:"VIGIA_BROWSER_BIN"`
	ControlURL string `json:"control_url" envconfig:"VIGIA_BROWSER_CONTROL_URL"`
	Headless   *bool  `json:"headless" envconfig:"VIGIA_BROWSER_HEADLESS"`
	NoSandbox  bool   `json:"no_sandbox" envconfig:"VIGIA_BROWSER_NO_SANDBOX"`
	WindowSize string `json:"window_size" envconfig:"VIGIA_BROWSER_WINDOW_SIZE"`
	UserAgent  string `json:"user_agent" envconfig:"VIGIA_BROWSER_USER_AGENT"`
}

// LoginTiming bounds the login state machine.
type LoginTiming struct {
	PollAttempts          int `json:"poll_attempts" envconfig:"VIGIA_LOGIN_POLL_ATTEMPTS"`
	PollIntervalMs        int `json:"poll_interval_ms" envconfig:"VIGIA_LOGIN_POLL_INTERVAL_MS"`
	IntermediateTimeoutMs int `json:"intermediate_timeout_ms" envconfig:"VIGIA_LOGIN_INTERMEDIATE_TIMEOUT_MS"`
	BounceRetries         int `json:"bounce_retries" envconfig:"VIGIA_LOGIN_BOUNCE_RETRIES"`
	NavigationTimeoutMs   int `json:"navigation_timeout_ms" envconfig:"VIGIA_LOGIN_NAVIGATION_TIMEOUT_MS"`
}

// LookupTiming bounds element searches inside an authenticated page.
type LookupTiming struct {
	ElementTimeoutMs int `json:"element_timeout_ms" envconfig:"VIGIA_LOOKUP_ELEMENT_TIMEOUT_MS"`
	ElementAttempts  int `json:"element_attempts" envconfig:"VIGIA_LOOKUP_ELEMENT_ATTEMPTS"`
	ReloadPauseMs    int `json:"reload_pause_ms" envconfig:"VIGIA_LOOKUP_RELOAD_PAUSE_MS"`
	SettleDelayMs    int `json:"settle_delay_ms" envconfig:"VIGIA_LOOKUP_SETTLE_DELAY_MS"`
	TableTimeoutMs   int `json:"table_timeout_ms" envconfig:"VIGIA_LOOKUP_TABLE_TIMEOUT_MS"`
}

type SessionConfig struct {
	TTLSeconds        int  `json:"ttl_seconds" envconfig:"VIGIA_SESSION_TTL_SECONDS"`
	Lease             bool `json:"lease" envconfig:"VIGIA_SESSION_LEASE"`
	LeaseWaitSeconds  int  `json:"lease_wait_seconds" envconfig:"VIGIA_SESSION_LEASE_WAIT_SECONDS"`
	TransportRetries  int  `json:"transport_retries" envconfig:"VIGIA_SESSION_TRANSPORT_RETRIES"`
	ShutdownGraceSecs int  `json:"shutdown_grace_secs" envconfig:"VIGIA_SESSION_SHUTDOWN_GRACE_SECS"`
}

type CacheConfig struct {
	Driver     string `json:"driver" envconfig:"VIGIA_CACHE_DRIVER"`
	MaxEntries int    `json:"max_entries" envconfig:"VIGIA_CACHE_MAX_ENTRIES"`
}

type CredentialField struct {
	Selector string `json:"selector"`
	Value    string `json:"value"`
}

// ResultColumns names the result table headers the extractor reads.
type ResultColumns struct {
	Policy    string `json:"policy"`
	Dependent string `json:"dependent"`
	Patient   string `json:"patient"`
	Status    string `json:"status"`
}

// PortalConfig is the per-insurer protocol descriptor: login selectors,
// search selectors and the URL patterns that mark each login state.
type PortalConfig struct {
	InsurerID            int64             `json:"insurer_id"`
	Name                 string            `json:"name"`
	LoginURL             string            `json:"login_url"`
	CredentialFields     []CredentialField `json:"credential_fields"`
	SubmitSelector       string            `json:"submit_selector"`
	LandingPattern       string            `json:"landing_pattern"`
	IntermediatePattern  string            `json:"intermediate_pattern"`
	ChallengeSelector    string            `json:"challenge_selector"`
	BouncePattern        string            `json:"bounce_pattern"`
	SearchPagePattern    string            `json:"search_page_pattern"`
	SearchPageURL        string            `json:"search_page_url"`
	SearchLinkHints      []string          `json:"search_link_hints"`
	SearchFieldSelector  string            `json:"search_field_selector"`
	SearchSubmitSelector string            `json:"search_submit_selector"`
	ResultsTableSelector string            `json:"results_table_selector"`
	ResultRowSelector    string            `json:"result_row_selector"`
	Columns              ResultColumns     `json:"columns"`
	ActiveKeywords       []string          `json:"active_keywords"`
	NoResultsText        string            `json:"no_results_text"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"VIGIA_SLACK_WEBHOOK_URL"`
}

type Notification struct {
	Slack   SlackWebhook `json:"slack"`
	Webhook struct {
		Url     string            `json:"url" envconfig:"VIGIA_WEBHOOK_URL"`
		Headers map[string]string `json:"headers" ignored:"true"`
	} `json:"webhook"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"VIGIA_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"VIGIA_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"VIGIA_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type Configuration struct {
	ProjectName     string           `json:"project_name" envconfig:"VIGIA_PROJECT_NAME"`
	EnableTelemetry bool             `json:"enable_telemetry" envconfig:"VIGIA_ENABLE_TELEMETRY"`
	OtelEndpoint    string           `json:"otel_endpoint" envconfig:"VIGIA_OTEL_ENDPOINT"`
	Server          ServerConfig     `json:"server"`
	DataSource      DataSourceConfig `json:"data_source"`
	Redis           RedisConfig      `json:"redis"`
	Queue           QueueConfig      `json:"queue"`
	Transport       TransportConfig  `json:"transport"`
	Browser         BrowserConfig    `json:"browser"`
	Login           LoginTiming      `json:"login"`
	Lookup          LookupTiming     `json:"lookup"`
	Session         SessionConfig    `json:"session"`
	Cache           CacheConfig      `json:"cache"`
	Portals         []PortalConfig   `json:"portals" ignored:"true"`
	Notification    Notification     `json:"notification"`
	RateLimit       RateLimitConfig  `json:"rate_limit"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("vigia", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called vigia.json with your config ❌")
	}
	return c, nil
}

// Portal returns the descriptor configured for an insurer.
func (cnf *Configuration) Portal(insurerID int64) (*PortalConfig, error) {
	for i := range cnf.Portals {
		if cnf.Portals[i].InsurerID == insurerID {
			return &cnf.Portals[i], nil
		}
	}
	return nil, fmt.Errorf("no portal configured for insurer %d", insurerID)
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Vigia Worker"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	cnf.setQueueDefaults()
	cnf.setTransportDefaults()
	cnf.setBrowserDefaults()
	cnf.setTimingDefaults()

	if cnf.Cache.Driver == "" {
		cnf.Cache.Driver = CacheMemory
	}
	if cnf.Cache.Driver != CacheMemory && cnf.Cache.Driver != CacheRedis {
		return fmt.Errorf("unknown cache driver %q", cnf.Cache.Driver)
	}

	for i := range cnf.Portals {
		if err := cnf.Portals[i].addDefaults(); err != nil {
			return err
		}
	}

	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

func (cnf *Configuration) setQueueDefaults() {
	if cnf.Queue.LookupQueue == "" {
		cnf.Queue.LookupQueue = "lookup:batch"
	}
	if cnf.Queue.ValidationQueue == "" {
		cnf.Queue.ValidationQueue = "validacion_excel"
	}
	if cnf.Queue.MonitoringPort == "" {
		cnf.Queue.MonitoringPort = "5005"
	}
}

func (cnf *Configuration) setTransportDefaults() {
	t := &cnf.Transport
	if t.Driver == "" {
		t.Driver = TransportAsynq
	}
	if t.Exchange == "" {
		t.Exchange = "aseguradoras"
	}
	if t.Queue == "" {
		t.Queue = "consultas_aseguradora"
	}
	if t.RoutingKey == "" {
		t.RoutingKey = "consulta"
	}
	if t.ValidationRoutingKey == "" {
		t.ValidationRoutingKey = "validacion_excel"
	}
	if t.ReconnectMaxElapsedSecs == 0 {
		t.ReconnectMaxElapsedSecs = 300
	}
}

func (cnf *Configuration) setBrowserDefaults() {
	if cnf.Browser.Headless == nil {
		headless := true
		cnf.Browser.Headless = &headless
	}
	if cnf.Browser.WindowSize == "" {
		cnf.Browser.WindowSize = "1920,1080"
	}
}

func (cnf *Configuration) setTimingDefaults() {
	l := &cnf.Login
	if l.PollAttempts <= 0 {
		l.PollAttempts = 40
	}
	if l.PollIntervalMs <= 0 {
		l.PollIntervalMs = 3000
	}
	if l.IntermediateTimeoutMs <= 0 {
		l.IntermediateTimeoutMs = 30000
	}
	if l.BounceRetries < 0 {
		l.BounceRetries = 0
	} else if l.BounceRetries == 0 {
		l.BounceRetries = 2
	}
	if l.NavigationTimeoutMs <= 0 {
		l.NavigationTimeoutMs = 60000
	}

	k := &cnf.Lookup
	if k.ElementTimeoutMs <= 0 {
		k.ElementTimeoutMs = 10000
	}
	if k.ElementAttempts <= 0 {
		k.ElementAttempts = 2
	}
	if k.ReloadPauseMs <= 0 {
		k.ReloadPauseMs = 5000
	}
	if k.SettleDelayMs <= 0 {
		k.SettleDelayMs = 2000
	}
	if k.TableTimeoutMs <= 0 {
		k.TableTimeoutMs = 10000
	}

	s := &cnf.Session
	if s.TTLSeconds <= 0 {
		s.TTLSeconds = 3600
	}
	if s.LeaseWaitSeconds <= 0 {
		s.LeaseWaitSeconds = 30
	}
	if s.TransportRetries <= 0 {
		s.TransportRetries = 1
	}
}

func (p *PortalConfig) addDefaults() error {
	if p.InsurerID <= 0 {
		return errors.New("portal insurer_id is required")
	}
	if p.LandingPattern == "" {
		return fmt.Errorf("portal %d: landing_pattern is required", p.InsurerID)
	}
	if p.ChallengeSelector == "" {
		p.ChallengeSelector = `input[type="submit"], button, a, input[value*="continuar"], input[value*="siguiente"]`
	}
	if p.ResultRowSelector == "" {
		p.ResultRowSelector = "tr"
	}
	if p.Columns.Policy == "" {
		p.Columns.Policy = "Póliza"
	}
	if p.Columns.Dependent == "" {
		p.Columns.Dependent = "No. Dependiente"
	}
	if p.Columns.Patient == "" {
		p.Columns.Patient = "Nombre del Paciente"
	}
	if p.Columns.Status == "" {
		p.Columns.Status = "Status"
	}
	if len(p.ActiveKeywords) == 0 {
		p.ActiveKeywords = []string{"ACTIVO", "ACTIVE"}
	}
	return nil
}

func (l LoginTiming) PollInterval() time.Duration {
	return time.Duration(l.PollIntervalMs) * time.Millisecond
}

func (l LoginTiming) IntermediateTimeout() time.Duration {
	return time.Duration(l.IntermediateTimeoutMs) * time.Millisecond
}

func (l LoginTiming) NavigationTimeout() time.Duration {
	return time.Duration(l.NavigationTimeoutMs) * time.Millisecond
}

func (k LookupTiming) ElementTimeout() time.Duration {
	return time.Duration(k.ElementTimeoutMs) * time.Millisecond
}

func (k LookupTiming) ReloadPause() time.Duration {
	return time.Duration(k.ReloadPauseMs) * time.Millisecond
}

func (k LookupTiming) SettleDelay() time.Duration {
	return time.Duration(k.SettleDelayMs) * time.Millisecond
}

func (k LookupTiming) TableTimeout() time.Duration {
	return time.Duration(k.TableTimeoutMs) * time.Millisecond
}

func (s SessionConfig) TTL() time.Duration {
	return time.Duration(s.TTLSeconds) * time.Second
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
