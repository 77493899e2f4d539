package config

import (
	"encoding/json"
	"os"
	"testing"
	"time"
)

func TestValidateAndAddDefaults(t *testing.T) {
	// Test case with missing Redis DNS, expect an error
	cnf := Configuration{
		ProjectName: "",
		Redis: RedisConfig{
			Dns: "",
		},
	}

	err := cnf.validateAndAddDefaults()
	if err == nil || err.Error() != "redis DNS is required" {
		t.Errorf("Expected redis DNS required error, got %v", err)
	}

	// Test case with all required fields filled, expect no error
	cnf = Configuration{
		ProjectName: "Test Project",
		Redis: RedisConfig{
			Dns: "localhost:6379",
		},
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}

	// Test default values for the reconciler and breaker sections
	if cnf.Reconciler.Concurrency != 4 {
		t.Errorf("Expected default concurrency 4, got %d", cnf.Reconciler.Concurrency)
	}
	if cnf.Reconciler.RetryDelay != time.Second {
		t.Errorf("Expected default retry delay 1s, got %v", cnf.Reconciler.RetryDelay)
	}
	if cnf.Breaker.FailureThreshold != 5 {
		t.Errorf("Expected default failure threshold 5, got %d", cnf.Breaker.FailureThreshold)
	}
	if cnf.Cache.MaxSize != 1000 {
		t.Errorf("Expected default cache max size 1000, got %d", cnf.Cache.MaxSize)
	}
	if cnf.Redemption.DeferredQueue != "rav:deferred" {
		t.Errorf("Expected default deferred queue name, got %s", cnf.Redemption.DeferredQueue)
	}
	if !*cnf.Reconciler.UsePriorityQueue || !*cnf.Reconciler.UseCircuitBreaker {
		t.Error("Expected priority queue and circuit breaker enabled by default")
	}

	// Invalid batch threshold is rejected eagerly
	cnf.Redemption.BatchThreshold = "not-a-number"
	err = cnf.validateAndAddDefaults()
	if err == nil {
		t.Error("Expected an error for a non-decimal batch threshold")
	}

	// Max batch size below batch size is raised to the batch size
	cnf.Redemption.BatchThreshold = "100"
	cnf.Redemption.BatchSize = 8
	cnf.Redemption.MaxBatchSize = 3
	err = cnf.validateAndAddDefaults()
	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if cnf.Redemption.MaxBatchSize != 8 {
		t.Errorf("Expected max batch size raised to 8, got %d", cnf.Redemption.MaxBatchSize)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	// Create a temporary file
	tmpFile, err := os.CreateTemp("", "agent.json")
	if err != nil {
		t.Fatalf("Unable to create temporary file: %v", err)
	}
	defer os.Remove(tmpFile.Name()) // Clean up after the test

	// Sample configuration to write to the temp file
	sampleConfig := Configuration{
		ProjectName: "Temp Project",
		Redis: RedisConfig{
			Dns: "temp-redis",
		},
	}
	if err := json.NewEncoder(tmpFile).Encode(sampleConfig); err != nil {
		t.Fatalf("Unable to write to temporary file: %v", err)
	}
	tmpFile.Close() // Close the file so loadConfigFromFile can open it

	// Set an environment variable to override the project name
	os.Setenv("AGENT_PROJECT_NAME", "Env Project")
	defer os.Unsetenv("AGENT_PROJECT_NAME") // Clean up after the test

	// Load the configuration from the file
	if err := loadConfigFromFile(tmpFile.Name()); err != nil {
		t.Fatalf("loadConfigFromFile failed: %v", err)
	}

	// Fetch the loaded configuration
	loadedConfig, err := Fetch()
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	// Check if the environment variable override worked
	if loadedConfig.ProjectName != "Env Project" {
		t.Errorf("Expected ProjectName to be 'Env Project', got '%s'", loadedConfig.ProjectName)
	}

	// Check if the DNS was loaded correctly from the file
	if loadedConfig.Redis.Dns != "temp-redis" {
		t.Errorf("Expected Redis.Dns to be 'temp-redis', got '%s'", loadedConfig.Redis.Dns)
	}
}

func TestInitConfig(t *testing.T) {
	// Create a temporary file
	tmpFile, err := os.CreateTemp("", "agent.json")
	if err != nil {
		t.Fatalf("Unable to create temporary file: %v", err)
	}
	defer os.Remove(tmpFile.Name()) // Clean up after the test

	// Sample configuration to write to the temp file
	sampleConfig := Configuration{
		ProjectName: "InitConfig Test",
		Redis: RedisConfig{
			Dns: "localhost:6379",
		},
	}
	if err := json.NewEncoder(tmpFile).Encode(sampleConfig); err != nil {
		t.Fatalf("Unable to write to temporary file: %v", err)
	}
	tmpFile.Close() // Close the file so InitConfig can open it

	// Attempt to initialize the configuration using the temporary file
	if err := InitConfig(tmpFile.Name()); err != nil {
		t.Fatalf("InitConfig failed: %v", err)
	}

	// Fetch the loaded configuration to verify it was loaded correctly
	loadedConfig, err := Fetch()
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	// Verify the configuration was loaded correctly
	if loadedConfig.ProjectName != "InitConfig Test" {
		t.Errorf("Expected ProjectName to be 'InitConfig Test', got '%s'", loadedConfig.ProjectName)
	}
	if loadedConfig.Redis.Dns != "localhost:6379" {
		t.Errorf("Expected Redis.Dns to be 'localhost:6379', got '%s'", loadedConfig.Redis.Dns)
	}
}
