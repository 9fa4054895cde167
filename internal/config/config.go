// SPDX-FileCopyrightText: 2025 PrivateAIM contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package config loads the pod orchestrator configuration from the
// environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/privateaim/pod-orchestrator/internal/util"
)

const (
	// DefaultStatusLoopInterval is the reconciler tick period when
	// STATUS_LOOP_INTERVAL is unset.
	DefaultStatusLoopInterval = 10 * time.Second
	// KeycloakRealm is fixed for the whole platform.
	KeycloakRealm = "flame"
	// DefaultListenAddr is the address the API listener binds to.
	DefaultListenAddr = ":8000"
	// DefaultKongAdminService is the in-cluster DNS name of the Kong admin
	// API, overridable via KONG_ADMIN_URL.
	DefaultKongAdminService = "http://kong-kong-admin:8001"
)

// Config carries everything the supervisor needs to wire the collaborators.
type Config struct {
	HubRobotUser   string
	HubRobotSecret string
	HubURLCore     string
	HubURLAuth     string
	HTTPProxy      string
	HTTPSProxy     string

	KeycloakURL        string
	KeycloakRealm      string
	ResultClientID     string
	ResultClientSecret string

	KongAdminURL string

	PostgresHost     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string

	StatusLoopInterval time.Duration
	ExtraCACerts       string
	ListenAddr         string

	// AnalysisLivenessProbe re-enables the HTTP liveness probe on analysis
	// containers. Disabled by policy; see the deployment composer.
	AnalysisLivenessProbe bool

	// MinIO settings are optional. Log archival stays disabled unless all
	// three are present.
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
}

// Load reads the environment, fills defaults and validates mandatory keys.
func Load() (*Config, error) {
	c := &Config{
		HubRobotUser:       os.Getenv("HUB_ROBOT_USER"),
		HubRobotSecret:     os.Getenv("HUB_ROBOT_SECRET"),
		HubURLCore:         os.Getenv("HUB_URL_CORE"),
		HubURLAuth:         os.Getenv("HUB_URL_AUTH"),
		HTTPProxy:          os.Getenv("PO_HTTP_PROXY"),
		HTTPSProxy:         os.Getenv("PO_HTTPS_PROXY"),
		KeycloakURL:        os.Getenv("KEYCLOAK_URL"),
		KeycloakRealm:      KeycloakRealm,
		ResultClientID:     os.Getenv("RESULT_CLIENT_ID"),
		ResultClientSecret: os.Getenv("RESULT_CLIENT_SECRET"),
		KongAdminURL:       os.Getenv("KONG_ADMIN_URL"),
		PostgresHost:       os.Getenv("POSTGRES_HOST"),
		PostgresUser:       os.Getenv("POSTGRES_USER"),
		PostgresPassword:   os.Getenv("POSTGRES_PASSWORD"),
		PostgresDB:         os.Getenv("POSTGRES_DB"),
		ExtraCACerts:       os.Getenv("EXTRA_CA_CERTS"),
		MinioEndpoint:      os.Getenv("MINIO_ENDPOINT"),
		MinioAccessKey:     os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey:     os.Getenv("MINIO_SECRET_KEY"),
	}
	if err := fillDefaultValues(c); err != nil {
		return nil, err
	}
	if err := validate(c); err != nil {
		return nil, err
	}
	return c, nil
}

func fillDefaultValues(c *Config) error {
	c.StatusLoopInterval = DefaultStatusLoopInterval
	if raw := os.Getenv("STATUS_LOOP_INTERVAL"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("STATUS_LOOP_INTERVAL must be an integer number of seconds, got %q", raw)
		}
		c.StatusLoopInterval = time.Duration(seconds) * time.Second
	}
	if c.KongAdminURL == "" {
		c.KongAdminURL = DefaultKongAdminService
	}
	c.ListenAddr = DefaultListenAddr
	if raw := os.Getenv("ANALYSIS_LIVENESS_PROBE"); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("ANALYSIS_LIVENESS_PROBE must be a boolean, got %q", raw)
		}
		c.AnalysisLivenessProbe = enabled
	}
	return nil
}

func validate(c *Config) error {
	v := new(util.Validator)
	v.MustNotBeEmpty("HUB_ROBOT_USER", c.HubRobotUser)
	v.MustNotBeEmpty("HUB_ROBOT_SECRET", c.HubRobotSecret)
	v.MustBeURL("HUB_URL_CORE", c.HubURLCore)
	v.MustBeURL("HUB_URL_AUTH", c.HubURLAuth)
	v.MustBeURL("KEYCLOAK_URL", c.KeycloakURL)
	v.MustNotBeEmpty("RESULT_CLIENT_ID", c.ResultClientID)
	v.MustNotBeEmpty("RESULT_CLIENT_SECRET", c.ResultClientSecret)
	v.MustNotBeEmpty("POSTGRES_HOST", c.PostgresHost)
	v.MustNotBeEmpty("POSTGRES_USER", c.PostgresUser)
	v.MustNotBeEmpty("POSTGRES_PASSWORD", c.PostgresPassword)
	v.MustNotBeEmpty("POSTGRES_DB", c.PostgresDB)
	v.MustBePositive("STATUS_LOOP_INTERVAL", c.StatusLoopInterval)
	return v.Error
}

// ArchivalEnabled reports whether the optional MinIO log archival can be
// constructed.
func (c *Config) ArchivalEnabled() bool {
	return c.MinioEndpoint != "" && c.MinioAccessKey != "" && c.MinioSecretKey != ""
}

// PostgresDSN renders the pgx connection string.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s", c.PostgresUser, c.PostgresPassword, c.PostgresHost, c.PostgresDB)
}
