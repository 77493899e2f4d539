/*
Copyright 2025 Openstake Authors.

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
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var ConfigStore atomic.Value

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"AGENT_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"AGENT_REDIS_SKIP_TLS_VERIFY"`
}

// ReconcilerConfig bounds how the reconciler admits and retries work.
type ReconcilerConfig struct {
	Concurrency       int           `json:"concurrency" envconfig:"AGENT_RECONCILER_CONCURRENCY"`
	RetryAttempts     int           `json:"retry_attempts" envconfig:"AGENT_RECONCILER_RETRY_ATTEMPTS"`
	RetryDelay        time.Duration `json:"retry_delay" envconfig:"AGENT_RECONCILER_RETRY_DELAY"`
	BatchSize         int           `json:"batch_size" envconfig:"AGENT_RECONCILER_BATCH_SIZE"`
	UsePriorityQueue  *bool         `json:"use_priority_queue" envconfig:"AGENT_RECONCILER_USE_PRIORITY_QUEUE"`
	UseCircuitBreaker *bool         `json:"use_circuit_breaker" envconfig:"AGENT_RECONCILER_USE_CIRCUIT_BREAKER"`
}

// BreakerConfig tunes the circuit breaker guarding RPC and subgraph
// collaborators.
type BreakerConfig struct {
	FailureThreshold    int           `json:"failure_threshold" envconfig:"AGENT_BREAKER_FAILURE_THRESHOLD"`
	ResetTimeout        time.Duration `json:"reset_timeout" envconfig:"AGENT_BREAKER_RESET_TIMEOUT"`
	HalfOpenMaxAttempts int           `json:"half_open_max_attempts" envconfig:"AGENT_BREAKER_HALF_OPEN_MAX_ATTEMPTS"`
	MonitoringPeriod    time.Duration `json:"monitoring_period" envconfig:"AGENT_BREAKER_MONITORING_PERIOD"`
}

type CacheConfig struct {
	TTL             time.Duration `json:"ttl" envconfig:"AGENT_CACHE_TTL"`
	MaxSize         int           `json:"max_size" envconfig:"AGENT_CACHE_MAX_SIZE"`
	CleanupInterval time.Duration `json:"cleanup_interval" envconfig:"AGENT_CACHE_CLEANUP_INTERVAL"`
}

// RedemptionConfig tunes voucher batching. BatchThreshold is a GRT
// amount expressed as a decimal string so envconfig can parse it.
type RedemptionConfig struct {
	BatchSize      int    `json:"batch_size" envconfig:"AGENT_REDEMPTION_BATCH_SIZE"`
	BatchThreshold string `json:"batch_threshold" envconfig:"AGENT_REDEMPTION_BATCH_THRESHOLD"`
	MaxBatchSize   int    `json:"max_batch_size" envconfig:"AGENT_REDEMPTION_MAX_BATCH_SIZE"`
	DeferredQueue  string `json:"deferred_queue" envconfig:"AGENT_REDEMPTION_DEFERRED_QUEUE"`
}

type Configuration struct {
	ProjectName string           `json:"project_name" envconfig:"AGENT_PROJECT_NAME"`
	Redis       RedisConfig      `json:"redis"`
	Reconciler  ReconcilerConfig `json:"reconciler"`
	Breaker     BreakerConfig    `json:"breaker"`
	Cache       CacheConfig      `json:"cache"`
	Redemption  RedemptionConfig `json:"redemption"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("agent", &cnf)
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
		return nil, errors.New("config not loaded from file. Create a json file called agent.json with your config")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Indexer Agent"
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Reconciler.Concurrency <= 0 {
		cnf.Reconciler.Concurrency = 4
	}
	if cnf.Reconciler.RetryAttempts <= 0 {
		cnf.Reconciler.RetryAttempts = 3
	}
	if cnf.Reconciler.RetryDelay <= 0 {
		cnf.Reconciler.RetryDelay = time.Second
	}
	if cnf.Reconciler.BatchSize <= 0 {
		cnf.Reconciler.BatchSize = 10
	}
	if cnf.Reconciler.UsePriorityQueue == nil {
		enabled := true
		cnf.Reconciler.UsePriorityQueue = &enabled
	}
	if cnf.Reconciler.UseCircuitBreaker == nil {
		enabled := true
		cnf.Reconciler.UseCircuitBreaker = &enabled
	}

	if cnf.Breaker.FailureThreshold <= 0 {
		cnf.Breaker.FailureThreshold = 5
	}
	if cnf.Breaker.ResetTimeout <= 0 {
		cnf.Breaker.ResetTimeout = 30 * time.Second
	}
	if cnf.Breaker.HalfOpenMaxAttempts <= 0 {
		cnf.Breaker.HalfOpenMaxAttempts = 3
	}
	if cnf.Breaker.MonitoringPeriod <= 0 {
		cnf.Breaker.MonitoringPeriod = 60 * time.Second
	}

	if cnf.Cache.TTL <= 0 {
		cnf.Cache.TTL = 60 * time.Second
	}
	if cnf.Cache.MaxSize <= 0 {
		cnf.Cache.MaxSize = 1000
	}
	if cnf.Cache.CleanupInterval <= 0 {
		cnf.Cache.CleanupInterval = 120 * time.Second
	}

	if cnf.Redemption.BatchSize <= 0 {
		cnf.Redemption.BatchSize = 5
	}
	if cnf.Redemption.BatchThreshold == "" {
		cnf.Redemption.BatchThreshold = "100"
	}
	if _, err := decimal.NewFromString(cnf.Redemption.BatchThreshold); err != nil {
		log.Printf("Error: invalid redemption batch threshold %q", cnf.Redemption.BatchThreshold)
		return errors.New("redemption batch threshold must be a decimal amount")
	}
	if cnf.Redemption.MaxBatchSize <= 0 {
		cnf.Redemption.MaxBatchSize = 10
	}
	if cnf.Redemption.MaxBatchSize < cnf.Redemption.BatchSize {
		log.Printf("Warning: max batch size %d below batch size %d. Raising it.", cnf.Redemption.MaxBatchSize, cnf.Redemption.BatchSize)
		cnf.Redemption.MaxBatchSize = cnf.Redemption.BatchSize
	}
	if cnf.Redemption.DeferredQueue == "" {
		cnf.Redemption.DeferredQueue = "rav:deferred"
	}

	return nil
}

// BatchThresholdAmount returns the parsed GRT value of the batching
// threshold. validateAndAddDefaults guarantees the string parses.
func (cnf *Configuration) BatchThresholdAmount() decimal.Decimal {
	amount, _ := decimal.NewFromString(cnf.Redemption.BatchThreshold)
	return amount
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
