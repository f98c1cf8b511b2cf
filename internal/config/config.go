// Xiaomu is a task queue service for phone-agent automation.
// Copyright (C) 2025 Xiaomu Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package config loads the service configuration from environment
// variables. Every knob has a default that works for local development
// (sqlite file store, Redis on localhost).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Supported database drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Config holds the runtime configuration for the queue service.
type Config struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string

	// LogLevel is one of debug, info, warn, error.
	LogLevel string

	// DBDriver selects the durable store dialect: sqlite or mysql.
	DBDriver string

	// DBPath is the sqlite database file (sqlite driver only).
	DBPath string

	// DBHost, DBPort, DBUser, DBPassword, DBName configure the mysql
	// driver and are ignored for sqlite.
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string

	// RedisHost, RedisPort, RedisDB locate the broker.
	RedisHost string
	RedisPort int
	RedisDB   int

	// QueueKey is the broker list tasks are pushed onto.
	QueueKey string

	// KeyPrefix prefixes the per-task live status hashes.
	KeyPrefix string

	// WorkerCount is the number of pool goroutines popping tasks.
	WorkerCount int

	// PopTimeout is the BRPOP blocking window. The matching env var is
	// expressed in whole seconds.
	PopTimeout time.Duration

	// CmdTimeout bounds dynamic script workflows. Whole seconds in the
	// environment.
	CmdTimeout time.Duration

	// DeployTimeout bounds the deployment_check workflow and defaults to
	// CmdTimeout. Whole seconds in the environment.
	DeployTimeout time.Duration

	// MessagesFile overrides the sample-messages file handed to
	// deployment_check. Empty means the builder's default under
	// {ProjectRoot}/scripts.
	MessagesFile string

	// ProjectRoot anchors the scripts/ and workflows/ directories and is
	// the working directory of every subprocess.
	ProjectRoot string

	// PythonBin is the interpreter used for workflow and reply scripts.
	PythonBin string

	// ModelBaseURL, ModelName, ModelAPIKey, DeviceID are passed through to
	// workflow scripts when set. No defaults are applied here; each
	// builder decides its own.
	ModelBaseURL string
	ModelName    string
	ModelAPIKey  string
	DeviceID     string
}

// Default returns the development configuration.
func Default() Config {
	return Config{
		ListenAddr:  ":8000",
		LogLevel:    "info",
		DBDriver:    DriverSQLite,
		DBPath:      "data/xiaomu.db",
		DBHost:      "127.0.0.1",
		DBPort:      3306,
		DBUser:      "xm_user",
		DBPassword:  "xm_pass",
		DBName:      "xiaomu",
		RedisHost:   "127.0.0.1",
		RedisPort:   6379,
		RedisDB:     0,
		QueueKey:    "aglm:task_queue",
		KeyPrefix:   "aglm:task",
		WorkerCount: 2,
		PopTimeout:  10 * time.Second,
		CmdTimeout:  300 * time.Second,
		ProjectRoot: ".",
		PythonBin:   "python3",
	}
}

// FromEnv builds a Config from the environment on top of Default.
// Unset variables keep their defaults; set-but-invalid values error.
func FromEnv() (Config, error) {
	cfg := Default()

	// AGLM_LISTEN_ADDR
	if val := os.Getenv("AGLM_LISTEN_ADDR"); val != "" {
		cfg.ListenAddr = val
	}

	// AGLM_LOG_LEVEL
	if val := os.Getenv("AGLM_LOG_LEVEL"); val != "" {
		cfg.LogLevel = val
	}

	// AGLM_DB_DRIVER
	if val := os.Getenv("AGLM_DB_DRIVER"); val != "" {
		cfg.DBDriver = strings.ToLower(val)
	}

	// AGLM_DB_PATH
	if val := os.Getenv("AGLM_DB_PATH"); val != "" {
		cfg.DBPath = val
	}

	// AGLM_DB_HOST
	if val := os.Getenv("AGLM_DB_HOST"); val != "" {
		cfg.DBHost = val
	}

	// AGLM_DB_PORT
	if val := os.Getenv("AGLM_DB_PORT"); val != "" {
		num, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid AGLM_DB_PORT: %w", err)
		}
		cfg.DBPort = num
	}

	// AGLM_DB_USER
	if val := os.Getenv("AGLM_DB_USER"); val != "" {
		cfg.DBUser = val
	}

	// AGLM_DB_PASSWORD
	if val := os.Getenv("AGLM_DB_PASSWORD"); val != "" {
		cfg.DBPassword = val
	}

	// AGLM_DB_NAME
	if val := os.Getenv("AGLM_DB_NAME"); val != "" {
		cfg.DBName = val
	}

	// AGLM_REDIS_HOST
	if val := os.Getenv("AGLM_REDIS_HOST"); val != "" {
		cfg.RedisHost = val
	}

	// AGLM_REDIS_PORT
	if val := os.Getenv("AGLM_REDIS_PORT"); val != "" {
		num, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid AGLM_REDIS_PORT: %w", err)
		}
		cfg.RedisPort = num
	}

	// AGLM_REDIS_DB
	if val := os.Getenv("AGLM_REDIS_DB"); val != "" {
		num, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid AGLM_REDIS_DB: %w", err)
		}
		cfg.RedisDB = num
	}

	// AGLM_TASK_QUEUE
	if val := os.Getenv("AGLM_TASK_QUEUE"); val != "" {
		cfg.QueueKey = val
	}

	// AGLM_TASK_PREFIX
	if val := os.Getenv("AGLM_TASK_PREFIX"); val != "" {
		cfg.KeyPrefix = val
	}

	// AGLM_WORKER_COUNT
	if val := os.Getenv("AGLM_WORKER_COUNT"); val != "" {
		num, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid AGLM_WORKER_COUNT: %w", err)
		}
		cfg.WorkerCount = num
	}

	// AGLM_BRPOP_TIMEOUT (seconds)
	if val := os.Getenv("AGLM_BRPOP_TIMEOUT"); val != "" {
		secs, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid AGLM_BRPOP_TIMEOUT: %w", err)
		}
		cfg.PopTimeout = time.Duration(secs) * time.Second
	}

	// AGLM_CMD_TIMEOUT (seconds)
	if val := os.Getenv("AGLM_CMD_TIMEOUT"); val != "" {
		secs, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid AGLM_CMD_TIMEOUT: %w", err)
		}
		cfg.CmdTimeout = time.Duration(secs) * time.Second
	}

	// AGLM_DEPLOY_TIMEOUT (seconds); falls back to AGLM_CMD_TIMEOUT.
	cfg.DeployTimeout = cfg.CmdTimeout
	if val := os.Getenv("AGLM_DEPLOY_TIMEOUT"); val != "" {
		secs, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid AGLM_DEPLOY_TIMEOUT: %w", err)
		}
		cfg.DeployTimeout = time.Duration(secs) * time.Second
	}

	// AGLM_DEPLOY_MESSAGES_FILE
	if val := os.Getenv("AGLM_DEPLOY_MESSAGES_FILE"); val != "" {
		cfg.MessagesFile = val
	}

	// AGLM_PROJECT_ROOT
	if val := os.Getenv("AGLM_PROJECT_ROOT"); val != "" {
		cfg.ProjectRoot = val
	}

	// AGLM_PYTHON_BIN
	if val := os.Getenv("AGLM_PYTHON_BIN"); val != "" {
		cfg.PythonBin = val
	}

	// PHONE_AGENT_BASE_URL, with AGLM_MODEL_BASE_URL as the older alias.
	if val := os.Getenv("PHONE_AGENT_BASE_URL"); val != "" {
		cfg.ModelBaseURL = val
	} else if val := os.Getenv("AGLM_MODEL_BASE_URL"); val != "" {
		cfg.ModelBaseURL = val
	}

	// PHONE_AGENT_MODEL, with AGLM_MODEL_NAME as the older alias.
	if val := os.Getenv("PHONE_AGENT_MODEL"); val != "" {
		cfg.ModelName = val
	} else if val := os.Getenv("AGLM_MODEL_NAME"); val != "" {
		cfg.ModelName = val
	}

	// PHONE_AGENT_API_KEY
	if val := os.Getenv("PHONE_AGENT_API_KEY"); val != "" {
		cfg.ModelAPIKey = val
	}

	// PHONE_AGENT_DEVICE_ID
	if val := os.Getenv("PHONE_AGENT_DEVICE_ID"); val != "" {
		cfg.DeviceID = val
	}

	return cfg, nil
}

// Validate checks if the configuration is usable.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("AGLM_LISTEN_ADDR cannot be empty")
	}
	if c.DBDriver != DriverSQLite && c.DBDriver != DriverMySQL {
		return fmt.Errorf("invalid AGLM_DB_DRIVER: must be %q or %q, got %q", DriverSQLite, DriverMySQL, c.DBDriver)
	}
	if c.DBDriver == DriverSQLite && c.DBPath == "" {
		return fmt.Errorf("AGLM_DB_PATH cannot be empty with the sqlite driver")
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("AGLM_WORKER_COUNT must be at least 1")
	}
	if c.PopTimeout <= 0 {
		return fmt.Errorf("AGLM_BRPOP_TIMEOUT must be positive")
	}
	if c.CmdTimeout <= 0 {
		return fmt.Errorf("AGLM_CMD_TIMEOUT must be positive")
	}
	if c.QueueKey == "" || c.KeyPrefix == "" {
		return fmt.Errorf("AGLM_TASK_QUEUE and AGLM_TASK_PREFIX cannot be empty")
	}
	return nil
}
